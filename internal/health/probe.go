package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	openaiSDK "github.com/openai/openai-go/v3"
	openaiOption "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// Prober is a single connectivity check for one upstream, using the
// decrypted per-upstream credential. It is supplementary to the
// outcome-driven circuit breaker above: its result, reported through
// BackgroundProber, feeds the circuit breaker and the latency EWMA even for
// upstreams that haven't received live traffic recently. It never sets the
// quota flag.
type Prober func(ctx context.Context, u model.Upstream, key string) error

func anthropicProbe(ctx context.Context, u model.Upstream, key string) error {
	client := anthropicSDK.NewClient(
		anthropicOption.WithAPIKey(key),
		anthropicOption.WithBaseURL(u.BaseURL),
		anthropicOption.WithHTTPClient(&http.Client{Timeout: probeTimeout}),
	)
	_, err := client.Models.List(ctx, anthropicSDK.ModelListParams{Limit: anthropicSDK.Int(1)})
	return err
}

func openaiProbe(ctx context.Context, u model.Upstream, key string) error {
	client := openaiSDK.NewClient(
		openaiOption.WithAPIKey(key),
		openaiOption.WithBaseURL(u.BaseURL),
		openaiOption.WithHTTPClient(&http.Client{Timeout: probeTimeout}),
	)
	_, err := client.Models.List(ctx)
	return err
}

func geminiProbe(ctx context.Context, u model.Upstream, key string) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: probeTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: u.BaseURL},
	})
	if err != nil {
		return err
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err
}

func genericHTTPProbe(ctx context.Context, u model.Upstream, _ string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.BaseURL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// ProbeWithKey returns the connectivity check appropriate for an upstream's
// providerType, using the corresponding official SDK's lightweight "list
// models" call where one is recognized, and a generic HTTP probe otherwise.
func ProbeWithKey(providerType string) Prober {
	switch providerType {
	case "anthropic":
		return anthropicProbe
	case "openai":
		return openaiProbe
	case "gemini":
		return geminiProbe
	default:
		return genericHTTPProbe
	}
}

// BackgroundProber runs background probes for a fixed set of upstreams and reports
// each one's result into the shared Registry, so a cold upstream that hasn't
// taken live traffic yet still has an EWMA-adjacent signal informing the
// Candidate Selector.
type BackgroundProber struct {
	registry *Registry
	upstream func() []model.Upstream
	decrypt  func(model.Upstream) (string, error)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBackgroundProber starts probing immediately and then every probeInterval.
func NewBackgroundProber(ctx context.Context, r *Registry, upstreams func() []model.Upstream, decrypt func(model.Upstream) (string, error)) *BackgroundProber {
	bp := &BackgroundProber{registry: r, upstream: upstreams, decrypt: decrypt, done: make(chan struct{})}
	bp.runOnce(ctx)
	bp.wg.Add(1)
	go bp.loop(ctx)
	return bp
}

func (bp *BackgroundProber) loop(ctx context.Context) {
	defer bp.wg.Done()
	t := time.NewTicker(probeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			bp.runOnce(ctx)
		case <-bp.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (bp *BackgroundProber) runOnce(ctx context.Context) {
	ups := bp.upstream()
	var wg sync.WaitGroup
	for _, u := range ups {
		if !u.IsActive {
			continue
		}
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := bp.decrypt(u)
			if err != nil {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			start := time.Now()
			err = ProbeWithKey(u.ProviderType)(pctx, u, key)
			latency := time.Since(start)
			if err != nil {
				bp.registry.ApplyOutcome(u.ID, model.OutcomeRetriable, latency, u.CircuitBreaker)
				return
			}
			bp.registry.ApplyOutcome(u.ID, model.OutcomeSuccess, latency, u.CircuitBreaker)
		}()
	}
	wg.Wait()
}

// Close stops the background probe loop.
func (bp *BackgroundProber) Close() {
	close(bp.done)
	bp.wg.Wait()
}
