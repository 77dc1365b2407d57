// Package httpapi is the HTTP surface of the auth gateway.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/audit"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/linking"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/obs"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/prover"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/salt"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/wallet"
)

// ReadyProbe checks backing dependencies for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when one is configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	validator *token.Validator
	salts     *salt.Service
	proofs    *prover.Proxy
	binder    *wallet.Binder
	sessions  *linking.Machine

	edge *EdgeLimiter
}

// New wires routes onto a fresh mux.
func New(rp ReadyProbe, version string, validator *token.Validator, salts *salt.Service, proofs *prover.Proxy, binder *wallet.Binder, sessions *linking.Machine) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		validator:  validator,
		salts:      salts,
		proofs:     proofs,
		binder:     binder,
		sessions:   sessions,
		edge:       NewEdgeLimiter(40, 20),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/salt", a.handleSalt)
	a.mux.HandleFunc("/v1/proof", a.handleProof)
	a.mux.HandleFunc("/v1/address/verify", a.handleAddressVerify)

	a.mux.HandleFunc("/v1/link/sessions", a.handleSessionsCollection)
	a.mux.HandleFunc("/v1/link/sessions/", a.handleSessionResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetEdgeRate adjusts the per-IP token bucket applied in Handler.
func (a *API) SetEdgeRate(burst, perSec int) {
	a.edge.SetRate(burst, perSec)
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.edge.Stop()
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.edge.Wrap(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "caishen-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "caishen-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	// Loose targets (the Telegram auth payload) keep numbers verbatim;
	// struct targets are unaffected.
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
