/*
Package sandbox runs untrusted object scripts in pooled worker processes.

# Overview

Each worker is a separate OS process running the engine package over its
stdin and stdout. The host side of this package owns those processes and
everything that must survive a worker dying:

  - Worker: one process, multiplexing requests for many scopes by call id
  - ScriptCache: (name, digest, generation) to ScriptID, compiled once
  - Pool: round-robin worker slots with replacement and recycling
  - Scope: one guest runtime bound to one worker, calls serialized

# Failure Model

A call that outlives its compile or execute timeout kills the worker's
process group. That call fails with ErrTimeout. Outstanding calls on other
scopes of the worker fail with ErrCollateral, which wraps ErrTimeout. A
crash or broken pipe fails them all with ErrCrash. Every scope the worker
hosted reports ErrScopeDead from then on. Scope.Dispose stays safe to call.

Cancelling a call's context returns to the caller at once, but the call
keeps its deadline: if the guest is still running when it passes, the
worker is killed as if the caller had waited.

# Host Functions

Guests reach the host only through functions registered for their scope.
The worker rejects unknown names itself and the host checks again, so a
guest calling an unregistered function fails with ErrDisallowedHostCall.
Host functions run on their own goroutine and may call back into the guest
through ParentCall.Callback without deadlocking the worker.

# Usage Example

	pool := sandbox.NewPool(sandbox.DefaultConfig(), sandbox.PoolOptions{Logger: logger})
	defer pool.Close()

	scope, err := pool.GenerateScopeWrapper(ctx, sandbox.ScopeSpec{
		Scripts: []sandbox.ScriptSource{{Name: "counter.js", Source: src}},
	})
	if err != nil {
		return err
	}
	defer scope.Dispose(ctx)

	sum, err := scope.Call(ctx, "add", protocol.Number(2), protocol.Number(2))
*/
package sandbox
