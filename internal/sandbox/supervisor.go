package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Process is a running worker process.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	// Alive probes the OS for the process.
	Alive() bool
	// Kill terminates the process and anything it spawned.
	Kill() error
	// Wait blocks until the process exits. It may be called more than once.
	Wait() error
}

// ProcessSupervisor starts worker processes.
type ProcessSupervisor interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSupervisor spawns workers with os/exec.
type ExecSupervisor struct {
	Command string
	Args    []string
	Env     []string
}

// NewExecSupervisor builds a supervisor from the sandbox config.
func NewExecSupervisor(cfg Config) *ExecSupervisor {
	cfg = cfg.withDefaults()
	return &ExecSupervisor{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}
}

// Spawn starts a worker. The process outlives ctx; only Kill stops it.
func (s *ExecSupervisor) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Command, s.Args...)
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", s.Command, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, exited: make(chan struct{})}
	go p.reap()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (p *execProcess) reap() {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return processAlive(p.cmd.Process.Pid)
	}
}

func (p *execProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return killProcess(p.cmd.Process)
}

func (p *execProcess) Wait() error {
	<-p.exited
	return p.waitErr
}
