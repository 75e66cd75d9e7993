package failover

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
)

func upstream(id string) model.Upstream {
	return model.Upstream{ID: id, Name: id, TimeoutSeconds: 1}
}

func TestRun_SucceedsOnFirstCandidate(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	calls := 0
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			calls++
			return proxyengine.DispatchResult{StatusCode: 200}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if res.ActualUpstream.ID != "a" {
		t.Errorf("expected upstream a, got %s", res.ActualUpstream.ID)
	}
}

func TestRun_FailsOverOnRetriableStatus(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	var seen []string
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			seen = append(seen, u.ID)
			if u.ID == "a" {
				return proxyengine.DispatchResult{StatusCode: 503}, nil
			}
			return proxyengine.DispatchResult{StatusCode: 200}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("expected [a b], got %v", seen)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("expected 2 recorded attempts, got %d", len(res.Attempts))
	}
}

func TestRun_StopsOnFatalClientStatus(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	calls := 0
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			calls++
			return proxyengine.DispatchResult{StatusCode: 400}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a fatal client status, got %d", calls)
	}
	if res.DidSendUpstream != true {
		t.Error("expected DidSendUpstream true for a 4xx response")
	}
}

func TestRun_TransportErrorIsRetriable(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	attempts := 0
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			attempts++
			if u.ID == "a" {
				return proxyengine.DispatchResult{}, &proxyengine.TransportError{Err: errors.New("dial tcp: refused")}
			}
			return proxyengine.DispatchResult{StatusCode: 200}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if attempts != 2 {
		t.Errorf("expected failover past the transport error, got %d attempts", attempts)
	}
}

func TestRun_ExhaustsAllCandidates(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			return proxyengine.DispatchResult{StatusCode: 503}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if res.Err == nil {
		t.Fatal("expected an exhaustion error")
	}
	if len(res.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(res.Attempts))
	}
}

func TestRun_StopsFailoverOnceFirstByteFlushed(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	calls := 0
	buf := &bytes.Buffer{}
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Stream:     buf,
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			calls++
			stream.Write([]byte("event: chunk\ndata: {}\n\n"))
			return proxyengine.DispatchResult{StatusCode: 200}, errors.New("stream broke mid-way")
		},
	}
	res := Run(context.Background(), req, reg)
	if calls != 1 {
		t.Errorf("expected failover to stop after the first flushed byte, got %d calls", calls)
	}
	if !res.FirstByteFlushed {
		t.Error("expected FirstByteFlushed true")
	}
}

func TestRun_SkipsCandidateWithOpenCircuit(t *testing.T) {
	reg := health.NewRegistry(health.DefaultConfig())
	for i := 0; i < 5; i++ {
		reg.ApplyOutcome("a", model.OutcomeRetriable, time.Millisecond, model.CircuitBreakerConfig{})
	}
	if reg.Phase("a") != model.CircuitOpen {
		t.Fatal("setup: expected circuit a to be open")
	}

	var seen []string
	req := Request{
		Candidates: []model.Upstream{upstream("a"), upstream("b")},
		Dispatch: func(ctx context.Context, u model.Upstream, timeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			seen = append(seen, u.ID)
			return proxyengine.DispatchResult{StatusCode: 200}, nil
		},
	}
	res := Run(context.Background(), req, reg)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(seen) != 1 || seen[0] != "b" {
		t.Errorf("expected only b to be dispatched, got %v", seen)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("expected the skipped open-circuit candidate to leave no attempt trace, got %d attempts", len(res.Attempts))
	}
}
