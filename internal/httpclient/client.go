// Package httpclient implements the resilient outbound HTTP client (spec
// §4.5): retry with exponential backoff and jitter, and a circuit breaker
// keyed by remote host and shared across replicas via the KV engine.
// Grounded on the teacher's worker retry/backoff conventions
// (internal/worker/worker.go handleFailure) and net/http directly, since no
// example repo uses a third-party general-purpose HTTP client for outbound
// calls.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"batchsender/internal/breaker"
	"batchsender/internal/kv"

	"go.uber.org/zap"
)

var retryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	MaxAttempts   int
	Jitter        bool
	BreakerConfig breaker.Config
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 4,
		Jitter:      true,
		BreakerConfig: breaker.Config{
			Threshold: 5,
			Window:    30 * time.Second,
			Reset:     20 * time.Second,
		},
	}
}

type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type Response struct {
	Success              bool
	Status               int
	Body                 []byte
	Attempts             int
	TotalLatencyMs        int64
	CircuitBreakerTripped bool
	Error                 error
}

type Client struct {
	cfg        Config
	kv         *kv.Client
	logger     *zap.Logger
	httpClient *http.Client
}

func New(cfg Config, kvClient *kv.Client, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		kv:         kvClient,
		logger:     logger,
		httpClient: &http.Client{},
	}
}

// Do executes req with retry and a KV-shared circuit breaker keyed by host.
func (c *Client) Do(ctx context.Context, req Request) Response {
	start := time.Now()
	host := hostOf(req.URL)
	breakerKey := "breaker:http:" + host

	state, err := c.loadBreakerState(ctx, breakerKey)
	if err != nil {
		c.logger.Warn("breaker state load failed, treating as closed", zap.String("host", host), zap.Error(err))
	}

	proceed, state := breaker.Check(state, c.cfg.BreakerConfig, time.Now())
	if !proceed {
		return Response{
			Success:               false,
			CircuitBreakerTripped: true,
			TotalLatencyMs:        time.Since(start).Milliseconds(),
			Error:                 fmt.Errorf("circuit breaker open for host %s", host),
		}
	}

	var resp Response
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		resp = c.attempt(ctx, req, attempt)
		resp.Attempts = attempt + 1

		if resp.Error == nil && !retryableStatus[resp.Status] {
			state = breaker.RecordSuccess(state)
			c.saveBreakerState(ctx, breakerKey, state)
			resp.TotalLatencyMs = time.Since(start).Milliseconds()
			resp.Success = resp.Status > 0 && resp.Status < 400
			return resp
		}

		if resp.Error == nil && resp.Status > 0 && !retryableStatus[resp.Status] {
			break
		}

		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		delay := c.backoff(attempt)
		select {
		case <-ctx.Done():
			resp.Error = ctx.Err()
			resp.TotalLatencyMs = time.Since(start).Milliseconds()
			return resp
		case <-time.After(delay):
		}
	}

	state = breaker.RecordFailure(state, c.cfg.BreakerConfig, time.Now())
	c.saveBreakerState(ctx, breakerKey, state)

	resp.TotalLatencyMs = time.Since(start).Milliseconds()
	resp.Success = resp.Error == nil && resp.Status > 0 && resp.Status < 400
	resp.CircuitBreakerTripped = state.Status == breaker.Open
	return resp
}

func (c *Client) attempt(ctx context.Context, req Request, attemptNum int) Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{Error: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{Error: fmt.Errorf("http call failed (attempt %d): %w", attemptNum+1, err)}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{Status: httpResp.StatusCode, Error: fmt.Errorf("read body: %w", err)}
	}

	return Response{Status: httpResp.StatusCode, Body: body}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseDelay) * pow(c.cfg.Multiplier, attempt)
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	if c.cfg.Jitter {
		jitterRange := delay * 0.25
		delay = delay - jitterRange + rand.Float64()*2*jitterRange
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func (c *Client) loadBreakerState(ctx context.Context, key string) (breaker.State, error) {
	raw, err := c.kv.Get(ctx, key).Result()
	if err != nil {
		return breaker.State{}, nil // missing key == fresh closed breaker
	}
	var encoded encodedState
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return breaker.State{}, fmt.Errorf("decode breaker state: %w", err)
	}
	return encoded.toState(), nil
}

func (c *Client) saveBreakerState(ctx context.Context, key string, s breaker.State) {
	encoded := fromState(s)
	data, err := json.Marshal(encoded)
	if err != nil {
		return
	}
	c.kv.Set(ctx, key, data, 10*time.Minute)
}

// encodedState is the JSON-on-the-wire shape for sharing breaker.State
// across replicas via the KV engine.
type encodedState struct {
	Status   int       `json:"status"`
	Failures []int64   `json:"failures"`
	OpenedAt int64     `json:"opened_at"`
}

func fromState(s breaker.State) encodedState {
	failures := make([]int64, len(s.Failures))
	for i, f := range s.Failures {
		failures[i] = f.UnixMilli()
	}
	return encodedState{Status: int(s.Status), Failures: failures, OpenedAt: s.OpenedAt.UnixMilli()}
}

func (e encodedState) toState() breaker.State {
	failures := make([]time.Time, len(e.Failures))
	for i, f := range e.Failures {
		failures[i] = time.UnixMilli(f)
	}
	var openedAt time.Time
	if e.OpenedAt > 0 {
		openedAt = time.UnixMilli(e.OpenedAt)
	}
	return breaker.State{Status: breaker.Status(e.Status), Failures: failures, OpenedAt: openedAt}
}
