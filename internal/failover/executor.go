// Package failover implements the Failover Executor: it walks the ordered
// candidate list the Candidate Selector produced, dispatching one upstream at
// a time through the Proxy Engine, classifying each outcome into the
// upstream's circuit breaker, and stopping on success, on a fatal client
// error, on exhaustion of the candidate list, or — for a streamed response —
// once an attempt has delivered its first byte to the client.
package failover

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
)

// DeadlineSlack is added on top of the sum of tried upstreams' timeouts to
// give the last attempt room to fail cleanly instead of racing the deadline.
const DeadlineSlack = 5 * time.Second

// DefaultAttemptTimeout is used for an upstream that has no configured
// timeout of its own.
const DefaultAttemptTimeout = 30 * time.Second

// Request bundles everything the executor needs to run the loop once.
// Credential resolution (decrypting an upstream's stored secret) is the
// caller's concern — the Dispatch closure captures whatever it needs to
// build one attempt, including per-upstream credentials.
type Request struct {
	Candidates []model.Upstream
	Dispatch   func(ctx context.Context, u model.Upstream, attemptTimeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error)
	Stream     io.Writer // non-nil only for streamed requests
}

// Result is the outcome of the whole failover loop for one client request.
type Result struct {
	Attempts        []model.FailoverAttempt
	FinalResult     proxyengine.DispatchResult
	ActualUpstream  model.Upstream
	DidSendUpstream bool
	FirstByteFlushed bool
	Err             error
}

// flushMarker lets the executor tell, after the fact, whether an attempt's
// stream ever delivered a byte to the client — once true, failover must stop
// even if the attempt later errors, since rewinding a partially-sent stream
// to the client is not possible.
type flushMarker struct {
	io.Writer
	flushed bool
}

func (f *flushMarker) Write(p []byte) (int, error) {
	n, err := f.Writer.Write(p)
	if n > 0 {
		f.flushed = true
	}
	return n, err
}

// Run executes the candidate loop against the Health & Circuit Registry,
// stopping on the first success, on a flushed stream byte, on a fatal client
// error, or once every candidate (bounded by model.MaxFailoverAttempts) has
// been tried.
func Run(ctx context.Context, req Request, registry *health.Registry) Result {
	var result Result
	deadline := computeDeadline(req.Candidates)
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	max := len(req.Candidates)
	if max > model.MaxFailoverAttempts {
		max = model.MaxFailoverAttempts
	}

	for i := 0; i < max; i++ {
		u := req.Candidates[i]

		// The selector already excludes open-circuit candidates, so this only
		// fires on the race where a breaker trips between selection and this
		// dispatch. An open circuit never leaves a failover-attempt trace
		// either way, so this is a bare skip, not a recorded attempt.
		if !registry.Allow(u.ID, u.CircuitBreaker) {
			continue
		}

		var marker *flushMarker
		var streamArg io.Writer
		if req.Stream != nil {
			marker = &flushMarker{Writer: req.Stream}
			streamArg = marker
		}

		attemptTimeout := u.TimeoutOrDefault(DefaultAttemptTimeout)
		started := time.Now()
		dres, err := req.Dispatch(attemptCtx, u, attemptTimeout, streamArg)
		latency := time.Since(started)

		outcome, didSendUpstream := classify(dres, err)

		attempt := model.FailoverAttempt{
			UpstreamID: u.ID,
			Outcome:    outcome,
			StatusCode: dres.StatusCode,
			LatencyMs:  latency.Milliseconds(),
			StartedAt:  started,
		}
		if err != nil {
			attempt.ErrorReason = err.Error()
		}
		result.Attempts = append(result.Attempts, attempt)

		registry.ApplyOutcome(u.ID, outcome, latency, u.CircuitBreaker)

		flushed := marker != nil && marker.flushed
		if flushed {
			result.FirstByteFlushed = true
		}

		if outcome == model.OutcomeSuccess || flushed {
			result.FinalResult = dres
			result.ActualUpstream = u
			result.DidSendUpstream = didSendUpstream
			result.Err = err
			return result
		}

		if outcome == model.OutcomeFatalClient {
			result.FinalResult = dres
			result.ActualUpstream = u
			result.DidSendUpstream = didSendUpstream
			result.Err = err
			return result
		}
		// retriable / fatal_upstream: continue to the next candidate.
	}

	result.Err = errAllUpstreamsUnavailable
	return result
}

var errAllUpstreamsUnavailable = errors.New("failover: all candidates exhausted")

// classify turns a dispatch outcome into the closed Outcome enum and reports
// whether the request should be recorded as having actually reached an
// upstream: true whenever the upstream answered with a status code, false for
// an SSRF rejection or a transport failure where no status ever arrived.
func classify(res proxyengine.DispatchResult, err error) (model.Outcome, bool) {
	if err != nil {
		// Every dispatch-level error (SSRF rejection, transport failure, body
		// read failure, broken stream) is retriable; it counts as delivered
		// only when the upstream had already answered with a status code.
		return model.OutcomeRetriable, res.StatusCode != 0
	}

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return model.OutcomeSuccess, true
	case res.StatusCode == http.StatusTooManyRequests:
		return model.OutcomeRetriable, true
	case res.StatusCode >= 500:
		return model.OutcomeRetriable, true
	case res.StatusCode >= 400:
		return model.OutcomeFatalClient, true
	default:
		return model.OutcomeFatalUpstream, true
	}
}

// computeDeadline sums the per-upstream timeouts of every candidate that
// might be tried (bounded by the failover cap) plus DeadlineSlack, so the
// request-wide context never expires mid-way through what should be the last
// legitimate attempt.
func computeDeadline(candidates []model.Upstream) time.Duration {
	max := len(candidates)
	if max > model.MaxFailoverAttempts {
		max = model.MaxFailoverAttempts
	}
	var total time.Duration
	for i := 0; i < max; i++ {
		total += candidates[i].TimeoutOrDefault(DefaultAttemptTimeout)
	}
	if total == 0 {
		total = DefaultAttemptTimeout
	}
	return total + DeadlineSlack
}
