package sandbox

import "time"

// Observer receives sandbox lifecycle events, typically for metrics.
type Observer interface {
	WorkerSpawned()
	WorkerDied(reason string)
	ProvisioningFailed()
	ScopeOpened()
	ScopeClosed()
	CacheLookup(hit bool)
	CallCompleted(op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) WorkerSpawned()                             {}
func (nopObserver) WorkerDied(string)                          {}
func (nopObserver) ProvisioningFailed()                        {}
func (nopObserver) ScopeOpened()                               {}
func (nopObserver) ScopeClosed()                               {}
func (nopObserver) CacheLookup(bool)                           {}
func (nopObserver) CallCompleted(string, time.Duration, error) {}

// deathReason labels a worker death cause for metrics and logs.
func deathReason(err error) string {
	switch err {
	case ErrTimeout:
		return "timeout"
	case ErrWorkerClosed:
		return "disposed"
	default:
		return "crash"
	}
}
