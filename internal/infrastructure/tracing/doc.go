/*
Package tracing provides lightweight request tracing for the script host.

Every HTTP request gets a span. The trace id is taken from the X-Trace-ID
header when a caller supplies one, so a request can be followed from a front
proxy into the host's log. Handlers tag the active span with the object and
function they dispatch to.

# Usage

	tracer := tracing.New("scripthost", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	if span := tracing.SpanFromContext(ctx); span != nil {
		span.SetTag("object", path)
	}

Finished spans are buffered and written to the log by a single collector
goroutine: failures at warn level, the rest at debug.
*/
package tracing
