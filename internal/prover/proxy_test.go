package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/ratelimit"
)

func validRequest() *Request {
	return &Request{
		JWT:                        "header.payload.signature",
		ExtendedEphemeralPublicKey: "AQIDBA==",
		MaxEpoch:                   json.Number("142"),
		JWTRandomness:              "123456789",
		Salt:                       "987654321",
		KeyClaimName:               "sub",
	}
}

func meta() CallerMeta {
	return CallerMeta{IP: "10.0.0.1", TenantID: "1001"}
}

func limiters(ceiling int) (*ratelimit.Limiter, *ratelimit.Limiter, *ratelimit.Limiter) {
	return ratelimit.New(time.Minute, ceiling),
		ratelimit.New(time.Minute, ceiling),
		ratelimit.New(time.Minute, ceiling)
}

func TestGenerateProofForwardsUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("upstream received invalid JSON: %v", err)
		}
		if req.Salt != "987654321" {
			t.Errorf("salt not forwarded: %q", req.Salt)
		}
		_, _ = w.Write([]byte(`{"proofPoints":{"a":["1"]}}`))
	}))
	defer upstream.Close()

	g, ip, tn := limiters(100)
	p := New(upstream.URL, 5*time.Second, g, ip, tn)

	proof, err := p.GenerateProof(context.Background(), validRequest(), meta())
	if err != nil {
		t.Fatalf("generate proof: %v", err)
	}
	if !strings.Contains(string(proof), "proofPoints") {
		t.Fatalf("unexpected proof body: %s", proof)
	}
}

func TestGenerateProofValidation(t *testing.T) {
	g, ip, tn := limiters(100)
	p := New("http://unused.invalid", time.Second, g, ip, tn)

	mutations := map[string]func(*Request){
		"missing jwt":            func(r *Request) { r.JWT = "" },
		"missing ephemeral key":  func(r *Request) { r.ExtendedEphemeralPublicKey = "" },
		"missing randomness":     func(r *Request) { r.JWTRandomness = "" },
		"missing salt":           func(r *Request) { r.Salt = "" },
		"missing claim name":     func(r *Request) { r.KeyClaimName = "" },
		"negative epoch":         func(r *Request) { r.MaxEpoch = json.Number("-1") },
		"non-numeric epoch":      func(r *Request) { r.MaxEpoch = json.Number("abc") },
		"non-numeric randomness": func(r *Request) { r.JWTRandomness = "0xdeadbeef" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(req)
			if _, err := p.GenerateProof(context.Background(), req, meta()); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestGenerateProofRateLimited(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	g, ip, _ := limiters(100)
	tenant := ratelimit.New(time.Minute, 1)
	p := New(upstream.URL, 5*time.Second, g, ip, tenant)

	if _, err := p.GenerateProof(context.Background(), validRequest(), meta()); err != nil {
		t.Fatalf("first request: %v", err)
	}

	_, err := p.GenerateProof(context.Background(), validRequest(), meta())
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.Dimension != "tenant" {
		t.Fatalf("dimension = %q", rateErr.Dimension)
	}
	if rateErr.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %s", rateErr.RetryAfter)
	}
	if calls != 1 {
		t.Fatalf("rejected request reached upstream: %d calls", calls)
	}
}

func TestGenerateProofIndependentIPs(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	g, _, tn := limiters(100)
	perIP := ratelimit.New(time.Minute, 1)
	p := New(upstream.URL, 5*time.Second, g, perIP, tn)

	if _, err := p.GenerateProof(context.Background(), validRequest(), CallerMeta{IP: "10.0.0.1", TenantID: "a"}); err != nil {
		t.Fatalf("first IP: %v", err)
	}
	if _, err := p.GenerateProof(context.Background(), validRequest(), CallerMeta{IP: "10.0.0.2", TenantID: "b"}); err != nil {
		t.Fatalf("second IP should have its own window: %v", err)
	}
}

func TestGenerateProofUpstreamErrorNotForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"trace":"secret internal details"}`))
	}))
	defer upstream.Close()

	g, ip, tn := limiters(100)
	p := New(upstream.URL, 5*time.Second, g, ip, tn)

	_, err := p.GenerateProof(context.Background(), validRequest(), meta())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("upstream body leaked into error: %v", err)
	}
}

func TestGenerateProofTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	g, ip, tn := limiters(100)
	p := New(upstream.URL, 20*time.Millisecond, g, ip, tn)

	_, err := p.GenerateProof(context.Background(), validRequest(), meta())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
