package sandbox

import (
	"os"
	"time"
)

// Config defines sandbox configuration
type Config struct {
	// Command and Args start a worker process speaking the frame protocol on stdio.
	Command string
	Args    []string
	Env     []string

	PoolSize        int           // Number of worker slots
	RecycleAfter    int           // Scopes hosted before a worker is retired; 0 disables
	CompileTimeout  time.Duration // Budget for Compile and LoadCompiled
	ExecuteTimeout  time.Duration // Budget for every other call
	ShutdownTimeout time.Duration // Grace period before a disposed worker is killed
	ShareCompiled   bool          // Reuse compiled blobs across worker generations

	// ProvisionFailures is the consecutive spawn failures that open the breaker.
	ProvisionFailures int
	ProvisionCooldown time.Duration
}

// DefaultConfig re-executes the current binary with -worker.
func DefaultConfig() Config {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return Config{
		Command:           exe,
		Args:              []string{"-worker"},
		PoolSize:          4,
		RecycleAfter:      0,
		CompileTimeout:    10 * time.Second,
		ExecuteTimeout:    5 * time.Second,
		ShutdownTimeout:   time.Second,
		ShareCompiled:     false,
		ProvisionFailures: 3,
		ProvisionCooldown: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Command == "" {
		c.Command, c.Args = d.Command, d.Args
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = d.CompileTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ProvisionFailures <= 0 {
		c.ProvisionFailures = d.ProvisionFailures
	}
	if c.ProvisionCooldown <= 0 {
		c.ProvisionCooldown = d.ProvisionCooldown
	}
	return c
}
