package salt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
)

// ErrAuthorityUnavailable wraps any failure of the external salt authority.
var ErrAuthorityUnavailable = errors.New("salt authority unavailable")

// Authority is a client for an external salt-issuing service (for example
// the Mysten salt service). When configured it is the source of truth and
// local derivation is skipped.
type Authority struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewAuthority creates a client with a bounded per-call timeout.
func NewAuthority(url string, timeout time.Duration) *Authority {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authority{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type authorityRequest struct {
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
	Subject  string `json:"sub"`
}

type authorityResponse struct {
	Salt string `json:"salt"`
}

// GetSalt asks the authority for the salt bound to the verified identity.
// The call is aborted, not just abandoned, when the timeout elapses.
func (a *Authority) GetSalt(ctx context.Context, claims *token.Claims) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(authorityRequest{
		Issuer:   claims.Issuer,
		Audience: claims.PrimaryAudience(),
		Subject:  claims.Subject,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	var payload authorityResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrAuthorityUnavailable, err)
	}
	saltValue := strings.TrimSpace(payload.Salt)
	if saltValue == "" {
		return "", fmt.Errorf("%w: empty salt in response", ErrAuthorityUnavailable)
	}
	return saltValue, nil
}
