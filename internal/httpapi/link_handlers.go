package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/linking"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/telegram"
)

type createSessionRequest struct {
	TelegramID        string `json:"telegramId"`
	TelegramUsername  string `json:"telegramUsername,omitempty"`
	TelegramFirstName string `json:"telegramFirstName,omitempty"`
}

type sessionView struct {
	Token             string `json:"token"`
	TelegramID        string `json:"telegramId"`
	TelegramUsername  string `json:"telegramUsername,omitempty"`
	TelegramFirstName string `json:"telegramFirstName,omitempty"`
	Status            string `json:"status"`
	WalletAddress     string `json:"walletAddress,omitempty"`
	WalletType        string `json:"walletType,omitempty"`
	ZkLoginSalt       string `json:"zkLoginSalt,omitempty"`
	ZkLoginSub        string `json:"zkLoginSub,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	ExpiresAt         int64  `json:"expiresAt"`
}

func serializeSession(s *linking.Session) sessionView {
	return sessionView{
		Token:             s.Token,
		TelegramID:        s.TenantID,
		TelegramUsername:  s.Username,
		TelegramFirstName: s.FirstName,
		Status:            string(s.State),
		WalletAddress:     s.Wallet,
		WalletType:        string(s.WalletKind),
		ZkLoginSalt:       s.Salt,
		ZkLoginSub:        s.Subject,
		CreatedAt:         s.CreatedAt.UnixMilli(),
		ExpiresAt:         s.ExpiresAt.UnixMilli(),
	}
}

// handleSessionsCollection creates a linking session for a Telegram account.
func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TelegramID) == "" {
		writeError(w, r, http.StatusBadRequest, "telegramId is required")
		return
	}

	s, err := a.sessions.Create(r.Context(), req.TelegramID, linking.ProfileHints{
		Username:  req.TelegramUsername,
		FirstName: req.TelegramFirstName,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "linking.session_created", map[string]any{
		"tenant_id": s.TenantID,
	})
	writeJSON(w, http.StatusCreated, serializeSession(s))
}

type attachWalletRequest struct {
	WalletAddress string `json:"walletAddress"`
	WalletType    string `json:"walletType"`
	ZkLoginSalt   string `json:"zkLoginSalt,omitempty"`
	ZkLoginSub    string `json:"zkLoginSub,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	Audience      string `json:"audience,omitempty"`
}

// handleSessionResource routes /v1/link/sessions/{token}[/wallet|/confirm].
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/link/sessions/")
	token, action, _ := strings.Cut(rest, "/")
	if token == "" {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}

	switch action {
	case "":
		a.handleSessionGet(w, r, token)
	case "wallet":
		a.handleSessionWallet(w, r, token)
	case "confirm":
		a.handleSessionConfirm(w, r, token)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request, token string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s, err := a.sessions.Get(r.Context(), token)
	if err != nil {
		handleLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serializeSession(s))
}

func (a *API) handleSessionWallet(w http.ResponseWriter, r *http.Request, token string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req attachWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	attach := linking.AttachRequest{
		Address: req.WalletAddress,
		Kind:    linking.WalletKind(req.WalletType),
	}
	if req.ZkLoginSalt != "" || req.ZkLoginSub != "" {
		attach.SaltMaterial = &linking.SaltMaterial{
			Salt:     req.ZkLoginSalt,
			Subject:  req.ZkLoginSub,
			Issuer:   req.Issuer,
			Audience: req.Audience,
		}
	}

	s, err := a.sessions.AttachWallet(r.Context(), token, attach)
	if err != nil {
		handleLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serializeSession(s))
}

func (a *API) handleSessionConfirm(w http.ResponseWriter, r *http.Request, token string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var payload telegram.AuthPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s, err := a.sessions.ConfirmAccount(r.Context(), token, payload)
	if err != nil {
		handleLinkError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, serializeSession(s))
}

func handleLinkError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *linking.TransitionError
	switch {
	case errors.Is(err, linking.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "session not found")
	case errors.As(err, &transition):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, linking.ErrInvalidWallet):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, linking.ErrAccountMismatch):
		writeError(w, r, http.StatusForbidden, "login belongs to a different account")
	case errors.Is(err, telegram.ErrBadSignature):
		writeError(w, r, http.StatusUnauthorized, "invalid login signature")
	case errors.Is(err, telegram.ErrMissingField):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
