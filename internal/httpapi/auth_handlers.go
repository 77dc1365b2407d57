package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/prover"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/salt"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/wallet"
)

type saltRequest struct {
	Token      string `json:"token"`
	TelegramID string `json:"telegramId"`
}

type saltResponse struct {
	Salt      string `json:"salt"`
	Address   string `json:"address"`
	Issuer    string `json:"issuer"`
	Subject   string `json:"subject"`
	Audience  string `json:"audience"`
	ClaimName string `json:"claimName"`
}

// handleSalt returns (creating if needed) the deterministic salt and derived
// address for a verified identity.
func (a *API) handleSalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req saltRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	if strings.TrimSpace(req.TelegramID) == "" {
		writeError(w, r, http.StatusBadRequest, "telegramId is required")
		return
	}

	claims, err := a.validator.Validate(r.Context(), req.Token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	cred, err := a.salts.GetOrDerive(r.Context(), claims, req.TelegramID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, saltResponse{
		Salt:      cred.Salt,
		Address:   cred.Address,
		Issuer:    cred.Issuer,
		Subject:   cred.Subject,
		Audience:  cred.Audience,
		ClaimName: cred.ClaimName,
	})
}

type proofRequest struct {
	prover.Request
	TelegramID string `json:"telegramId"`
}

// handleProof forwards a validated, rate-limited proof request upstream.
func (a *API) handleProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req proofRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	proof, err := a.proofs.GenerateProof(r.Context(), &req.Request, prover.CallerMeta{
		IP:       clientIP(r),
		TenantID: strings.TrimSpace(req.TelegramID),
	})
	if err != nil {
		handleProofError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(proof)
}

type verifyRequest struct {
	TelegramID string `json:"telegramId"`
	Token      string `json:"token"`
	Salt       string `json:"salt,omitempty"`
	ClaimName  string `json:"claimName,omitempty"`
}

// handleAddressVerify is the spend gate: 403 unless the freshly derived
// address matches the credential on file.
func (a *API) handleAddressVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TelegramID) == "" {
		writeError(w, r, http.StatusBadRequest, "telegramId is required")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	result, err := a.binder.Verify(r.Context(), req.TelegramID, req.Token, req.Salt, req.ClaimName)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if !result.Matches {
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrRejected):
		_ = audit.LogEvent(r.Context(), "token.rejected", map[string]any{
			"reason": err.Error(),
			"ip":     clientIP(r),
		})
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, token.ErrUpstream):
		writeError(w, r, http.StatusBadGateway, "signing keys unavailable")
	case errors.Is(err, salt.ErrAuthorityUnavailable):
		writeError(w, r, http.StatusBadGateway, "salt authority unavailable")
	case errors.Is(err, wallet.ErrUnsupportedClaim):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleProofError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *prover.RateLimitError
	switch {
	case errors.Is(err, prover.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateErr):
		retry := int(rateErr.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, prover.ErrTimeout):
		writeError(w, r, http.StatusGatewayTimeout, "proof generator timed out")
	case errors.Is(err, prover.ErrUnavailable):
		writeError(w, r, http.StatusBadGateway, "proof generator unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
