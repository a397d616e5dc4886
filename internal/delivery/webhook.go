package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HTTPWebhookPoster posts JSON to campaign webhooks. Each target host gets its
// own circuit breaker and rate limiter so one slow endpoint cannot starve the rest.
type HTTPWebhookPoster struct {
	client  *http.Client
	timeout time.Duration
	rps     int

	breakers sync.Map // host -> *gobreaker.CircuitBreaker
	limiters sync.Map // host -> *rate.Limiter
}

type WebhookOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RPS per target host; defaults to 10.
	RPS int
}

func NewHTTPWebhookPoster(opts WebhookOptions) *HTTPWebhookPoster {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 10
	}
	return &HTTPWebhookPoster{client: hc, timeout: opts.Timeout, rps: rps}
}

type webhookStatusError struct{ res Result }

func (e *webhookStatusError) Error() string { return e.res.Reason }

func (p *HTTPWebhookPoster) PostWebhook(ctx context.Context, rawURL string, payload any) Result {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return FailedPermanent("invalid webhook url %q", rawURL)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FailedPermanent("encode payload: %v", err)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.limiter(u.Host).Wait(ctx); err != nil {
		return Failed("rate limit wait: %v", err)
	}

	_, err = p.breaker(u.Host).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "campaign-service/1.0")
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if res := httpResult("webhook", resp); !res.OK {
			return nil, &webhookStatusError{res: res}
		}
		return nil, nil
	})
	if err == nil {
		return Ok()
	}
	var se *webhookStatusError
	if errors.As(err, &se) {
		return se.res
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failed("circuit open for %s", u.Host)
	}
	return Failed("post webhook: %v", err)
}

func (p *HTTPWebhookPoster) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := p.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("webhook circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	actual, _ := p.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (p *HTTPWebhookPoster) limiter(host string) *rate.Limiter {
	if l, ok := p.limiters.Load(host); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.rps*2)
	actual, _ := p.limiters.LoadOrStore(host, l)
	return actual.(*rate.Limiter)
}
