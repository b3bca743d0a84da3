/*
Package resilience guards worker provisioning with a circuit breaker.

After Threshold consecutive spawn failures the breaker opens and callers get
an *OpenError (wrapping ErrOpen) carrying how long until the next attempt.
Once the cooldown passes one probe is admitted; its result closes or reopens
the breaker.

	breaker := resilience.New("provision", resilience.Settings{
		Threshold: 3,
		Cooldown:  5 * time.Second,
	})
	worker, err := resilience.Do(breaker, func() (*Worker, error) {
		return spawn(ctx)
	})
	if wait, ok := resilience.RetryAfter(err); ok {
		// tell the client when to come back
	}
*/
package resilience
