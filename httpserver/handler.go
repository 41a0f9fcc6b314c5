package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruteri/tee-agent-proxy/common"
	"github.com/ruteri/tee-agent-proxy/exchange"
	"github.com/ruteri/tee-agent-proxy/interfaces"
	"github.com/ruteri/tee-agent-proxy/metrics"
	"github.com/ruteri/tee-agent-proxy/sessions"
	"github.com/ruteri/tee-agent-proxy/siweauth"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// serviceOwner is the owner identity of the service's own agent, used by the
// public quote/attestation endpoints before any user has registered.
const serviceOwner = interfaces.UserID("service-agent")

// Handler processes HTTP requests for the agent custody service. All
// dependencies are injected; the handler holds no state of its own.
type Handler struct {
	sessions *sessions.Registry
	auth     *siweauth.Authenticator
	signer   interfaces.ActionSigner
	upstream interfaces.UpstreamProxy
	log      *slog.Logger
}

// NewHandler creates an HTTP request handler over the custody components.
func NewHandler(registry *sessions.Registry, auth *siweauth.Authenticator, signer interfaces.ActionSigner, upstream interfaces.UpstreamProxy, log *slog.Logger) *Handler {
	return &Handler{
		sessions: registry,
		auth:     auth,
		signer:   signer,
		upstream: upstream,
		log:      log,
	}
}

type registerAgentRequest struct {
	UserID string `json:"user_id"`
}

type registerAgentResponse struct {
	AgentAddress      string                       `json:"agent_address"`
	APIKey            string                       `json:"api_key"`
	AttestationReport interfaces.AttestationReport `json:"attestation_report"`
}

type agentInfoResponse struct {
	Address   string `json:"address"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"`
}

type loginRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Success      bool   `json:"success"`
	UserAddress  string `json:"user_address"`
	APIKey       string `json:"api_key"`
	AgentAddress string `json:"agent_address"`
	TdxQuoteHex  string `json:"tdx_quote_hex"`
	Message      string `json:"message"`
	ExpiresAt    string `json:"expires_at"`
}

type quoteResponse struct {
	TdxQuoteHex  string `json:"tdx_quote_hex"`
	AgentAddress string `json:"agent_address"`
	QuoteSize    int    `json:"quote_size"`
	Note         string `json:"note"`
}

type exchangeRequest struct {
	Action       json.RawMessage `json:"action"`
	Nonce        uint64          `json:"nonce"`
	VaultAddress string          `json:"vaultAddress,omitempty"`

	// Signature is accepted for wire compatibility and always discarded:
	// the server re-signs every action with the enclave-held agent key.
	Signature json.RawMessage `json:"signature,omitempty"`
}

type signedExchangeRequest struct {
	Action       json.RawMessage      `json:"action"`
	Nonce        uint64               `json:"nonce"`
	Signature    interfaces.Signature `json:"signature"`
	VaultAddress string               `json:"vaultAddress,omitempty"`
}

// HandleHealth reports service liveness and identity.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": common.PackageName,
		"version": common.Version,
	})
}

// HandleRegisterAgent provisions an agent for an operator-supplied user id.
// Registration is idempotent: repeating it returns the same agent address.
func (h *Handler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, err := interfaces.NewUserID(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	provision, err := h.sessions.Register(r.Context(), owner)
	if err != nil {
		h.log.Error("Agent registration failed", "err", err, "user", owner.String())
		writeError(w, statusFromError(err), "agent registration failed")
		return
	}

	writeJSON(w, http.StatusOK, registerAgentResponse{
		AgentAddress:      provision.Session.Agent.Hex(),
		APIKey:            provision.Session.APIKey.String(),
		AttestationReport: provision.Report,
	})
}

// HandleGetAgent returns the agent provisioned for a user id.
func (h *Handler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	owner, err := interfaces.NewUserID(chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.Lookup(owner)
	if err != nil {
		writeError(w, statusFromError(err), "agent not found")
		return
	}

	writeJSON(w, http.StatusOK, agentInfoResponse{
		Address:   session.Agent.Hex(),
		UserID:    session.Owner.String(),
		CreatedAt: session.CreatedAt,
	})
}

// HandleLogin authenticates a SIWE message/signature pair and returns the
// session credentials with the binding quote. Signature failures always
// produce 401 with success:false, never a 200 with an error payload.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeLoginError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" || req.Signature == "" {
		writeLoginError(w, http.StatusUnauthorized, "message and signature are required")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Message, req.Signature)
	if err != nil {
		status := statusFromError(err)
		if errors.Is(err, interfaces.ErrInvalidIdentifier) {
			status = http.StatusUnauthorized
		}
		writeLoginError(w, status, err.Error())
		return
	}

	message := "Agent wallet generated. Submit tdx_quote_hex to the registry, then approve the agent with the exchange."
	if result.Existing {
		message = "Existing session found. Use this TDX quote and API key."
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		UserAddress:  result.UserAddress,
		APIKey:       result.Provision.Session.APIKey.String(),
		AgentAddress: result.Provision.Session.Agent.Hex(),
		TdxQuoteHex:  result.Provision.Report.Quote,
		Message:      message,
		ExpiresAt:    fmt.Sprintf("%d", result.Provision.Session.ExpiresAt),
	})
}

// HandleAgentsQuote serves the service agent's quote for out-of-band
// verification.
func (h *Handler) HandleAgentsQuote(w http.ResponseWriter, r *http.Request) {
	provision, err := h.sessions.Register(r.Context(), serviceOwner)
	if err != nil {
		h.log.Error("Quote generation failed", "err", err)
		writeError(w, statusFromError(err), "quote generation failed")
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		TdxQuoteHex:  provision.Report.Quote,
		AgentAddress: provision.Session.Agent.Hex(),
		QuoteSize:    interfaces.QuoteSize,
		Note:         "Submit this quote to the registry contract for verification",
	})
}

// HandleAttestation serves the service agent's attestation report.
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	provision, err := h.sessions.Register(r.Context(), serviceOwner)
	if err != nil {
		h.log.Error("Attestation report failed", "err", err)
		writeError(w, statusFromError(err), "attestation report unavailable")
		return
	}

	writeJSON(w, http.StatusOK, provision.Report)
}

// HandleDebugAgentAddress exposes the first provisioned agent and its key
// for integration debugging.
func (h *Handler) HandleDebugAgentAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessions.First()
	if !ok {
		provision, err := h.sessions.Register(r.Context(), serviceOwner)
		if err != nil {
			writeError(w, statusFromError(err), "no agent provisioned")
			return
		}
		session = &provision.Session
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"agent_address": session.Agent.Hex(),
		"api_key":       session.APIKey.String(),
	})
}

// HandleDebugSessions reports session counts without exposing their content.
func (h *Handler) HandleDebugSessions(w http.ResponseWriter, r *http.Request) {
	sessionCount, ownerCount := h.sessions.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions":     sessionCount,
		"authenticated_users": ownerCount,
		"note":                "Session details not exposed",
	})
}

// HandleInfo forwards an info query to the upstream exchange and relays the
// response verbatim.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var query struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(body, &query); err != nil || query.Type == nil || *query.Type == "" {
		writeError(w, http.StatusBadRequest, "info query requires a type")
		return
	}

	forwarded, err := h.upstream.ForwardInfo(r.Context(), body)
	if err != nil {
		writeError(w, statusFromError(err), "upstream request failed")
		return
	}
	relay(w, forwarded)
}

// HandleExchange validates a trading action, signs it with the caller's
// enclave-held agent key, forwards it upstream, and relays the upstream
// verdict verbatim.
func (h *Handler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentFromContext(r.Context())
	if !ok {
		// The auth gate always runs first; reaching here without an agent is
		// a routing bug, not an auth failure.
		writeError(w, http.StatusInternalServerError, "no agent in request context")
		return
	}

	var req exchangeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Action) == 0 {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if req.Nonce == 0 {
		writeError(w, http.StatusBadRequest, "nonce is required")
		return
	}
	if _, err := exchange.ValidateAction(req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signature, err := h.signer.SignAction(agent, req.Action, req.Nonce, req.VaultAddress)
	if err != nil {
		h.log.Error("Action signing failed", "err", err, "agent", agent.Hex())
		writeError(w, statusFromError(err), "action signing failed")
		return
	}
	metrics.SignaturesTotal.Inc()

	payload, err := json.Marshal(signedExchangeRequest{
		Action:       req.Action,
		Nonce:        req.Nonce,
		Signature:    signature,
		VaultAddress: req.VaultAddress,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}

	forwarded, err := h.upstream.ForwardExchange(r.Context(), payload)
	if err != nil {
		writeError(w, statusFromError(err), "upstream request failed")
		return
	}
	relay(w, forwarded)
}

// HandleNotImplemented answers recognized sub-routes that have no business
// logic wired yet. 501 is deliberately distinct from the auth gate's 401 so
// callers can tell "auth accepted, feature pending" apart from a rejection.
func (h *Handler) HandleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "not implemented")
}

// decodeJSONBody reads and decodes a bounded JSON request body.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// statusFromError maps the error taxonomy onto HTTP statuses. Infrastructure
// failures stay distinguishable from business errors so callers can retry
// safely only the former.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrSessionNotFound), errors.Is(err, interfaces.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrAttestationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func relay(w http.ResponseWriter, forwarded *interfaces.Forwarded) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(forwarded.StatusCode)
	w.Write(forwarded.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeLoginError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
