// Package prover fronts the external zero-knowledge proof generator. It
// validates requests, enforces three admission ceilings and bounds the
// upstream call with a hard timeout; the proof math itself lives entirely
// upstream.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/obs"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ratelimit"
)

// Error classes mapped by the HTTP layer.
var (
	ErrInvalidRequest = errors.New("prover: invalid request")
	ErrTimeout        = errors.New("prover: upstream timed out")
	ErrUnavailable    = errors.New("prover: upstream unavailable")
)

// RateLimitError reports the dimension that tripped and how long to wait.
type RateLimitError struct {
	Dimension  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("prover: rate limit exceeded for %s, retry after %s", e.Dimension, e.RetryAfter)
}

// Request is the proof-generation payload forwarded upstream.
type Request struct {
	JWT                        string      `json:"jwt"`
	ExtendedEphemeralPublicKey string      `json:"extendedEphemeralPublicKey"`
	MaxEpoch                   json.Number `json:"maxEpoch"`
	JWTRandomness              string      `json:"jwtRandomness"`
	Salt                       string      `json:"salt"`
	KeyClaimName               string      `json:"keyClaimName"`
}

// CallerMeta identifies the caller for rate limiting and audit.
type CallerMeta struct {
	IP       string
	TenantID string
}

// Proxy validates, rate-limits and forwards proof requests.
type Proxy struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client

	global    *ratelimit.Limiter
	perIP     *ratelimit.Limiter
	perTenant *ratelimit.Limiter
}

// New creates a Proxy. The three limiters are independent: a caller must
// clear the global, per-IP and per-tenant ceilings, in that order, before
// any outbound call happens.
func New(url string, timeout time.Duration, global, perIP, perTenant *ratelimit.Limiter) *Proxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{},
		global:     global,
		perIP:      perIP,
		perTenant:  perTenant,
	}
}

// GenerateProof returns the raw proof artifact from the upstream generator.
func (p *Proxy) GenerateProof(ctx context.Context, req *Request, meta CallerMeta) (json.RawMessage, error) {
	if err := validate(req); err != nil {
		obs.ProofRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := p.admit(ctx, meta); err != nil {
		return nil, err
	}
	return p.call(ctx, req, meta)
}

func validate(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	required := map[string]string{
		"jwt":                        req.JWT,
		"extendedEphemeralPublicKey": req.ExtendedEphemeralPublicKey,
		"jwtRandomness":              req.JWTRandomness,
		"salt":                       req.Salt,
		"keyClaimName":               req.KeyClaimName,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
		}
	}
	epoch, err := req.MaxEpoch.Int64()
	if err != nil || epoch < 0 {
		return fmt.Errorf("%w: maxEpoch must be a non-negative number", ErrInvalidRequest)
	}
	if !numeric(req.JWTRandomness) {
		return fmt.Errorf("%w: jwtRandomness must be numeric", ErrInvalidRequest)
	}
	return nil
}

func numeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p *Proxy) admit(ctx context.Context, meta CallerMeta) error {
	checks := []struct {
		dimension string
		limiter   *ratelimit.Limiter
		key       string
	}{
		{"global", p.global, ratelimit.GlobalKey},
		{"ip", p.perIP, meta.IP},
		{"tenant", p.perTenant, meta.TenantID},
	}
	for _, c := range checks {
		if c.limiter == nil || c.key == "" {
			continue
		}
		if d := c.limiter.Check(c.key); !d.Allowed {
			obs.ProofRequests.WithLabelValues("rate_limited").Inc()
			obs.RateLimitRejections.WithLabelValues(c.dimension).Inc()
			_ = audit.LogEvent(ctx, "prover.rate_limited", map[string]any{
				"dimension":   c.dimension,
				"tenant_id":   meta.TenantID,
				"ip":          meta.IP,
				"retry_after": d.RetryAfter.Seconds(),
			})
			return &RateLimitError{Dimension: c.dimension, RetryAfter: d.RetryAfter}
		}
	}
	return nil
}

func (p *Proxy) call(ctx context.Context, req *Request, meta CallerMeta) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	duration := time.Since(start)
	obs.ProofDuration.Observe(duration.Seconds())

	if err != nil {
		outcome := "upstream_error"
		mapped := fmt.Errorf("%w: %v", ErrUnavailable, err)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
			mapped = fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		p.logOutcome(ctx, req, meta, outcome, duration, 0)
		obs.ProofRequests.WithLabelValues(outcome).Inc()
		return nil, mapped
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain without caring about contents: the upstream body is never
		// forwarded to callers.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		p.logOutcome(ctx, req, meta, "upstream_error", duration, resp.StatusCode)
		obs.ProofRequests.WithLabelValues("upstream_error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	proof, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		p.logOutcome(ctx, req, meta, "upstream_error", duration, resp.StatusCode)
		obs.ProofRequests.WithLabelValues("upstream_error").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	p.logOutcome(ctx, req, meta, "ok", duration, resp.StatusCode)
	obs.ProofRequests.WithLabelValues("ok").Inc()
	return json.RawMessage(proof), nil
}

// logOutcome records timing and outcome metadata. The JWT is reduced to a
// digest; raw token contents never reach the log.
func (p *Proxy) logOutcome(ctx context.Context, req *Request, meta CallerMeta, outcome string, d time.Duration, status int) {
	entry := map[string]any{
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
		"msg":         "proof generation",
		"outcome":     outcome,
		"duration_ms": d.Milliseconds(),
		"tenant_id":   meta.TenantID,
		"ip":          meta.IP,
		"jwt":         obs.TokenDigest(req.JWT),
	}
	if status != 0 {
		entry["upstream_status"] = status
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	obs.LogEvent(entry)
}
