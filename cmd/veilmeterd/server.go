package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/obscura-systems/veilmeter/pkg/audit"
	"github.com/obscura-systems/veilmeter/pkg/authz"
	"github.com/obscura-systems/veilmeter/pkg/budget"
	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/disclosure"
	"github.com/obscura-systems/veilmeter/pkg/gatewayclient"
	"github.com/obscura-systems/veilmeter/pkg/guard"
	"github.com/obscura-systems/veilmeter/pkg/identity"
	"github.com/obscura-systems/veilmeter/pkg/metrics"
	"github.com/obscura-systems/veilmeter/pkg/observability"
	"github.com/obscura-systems/veilmeter/pkg/policy"
	"github.com/obscura-systems/veilmeter/pkg/refund"
)

// server holds the HTTP layer's dependencies.
type server struct {
	svc      *metrics.Service
	registry *authz.Registry
	refunds  *refund.Ledger
	guard    *budget.Guard
	journal  *audit.Log
	exporter *audit.Exporter
	tokens   *identity.TokenManager
	pause    *guard.Switch
	limiter  *guard.FixedWindowLimiter
	obs      *observability.Provider
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /v1/metrics", s.auth(s.handleSubmit))
	mux.HandleFunc("GET /v1/metrics/{id}", s.auth(s.handleMetricStatus))
	mux.HandleFunc("POST /v1/metrics/{id}/disclose", s.auth(s.handleRequestDisclosure))
	mux.HandleFunc("POST /v1/metrics/{id}/refund", s.auth(s.handleClaimRefund))
	mux.HandleFunc("POST /v1/refunds/{id}/claim", s.auth(s.handleClaim))
	mux.HandleFunc("GET /v1/requests/{id}", s.auth(s.handleRequestStatus))
	mux.HandleFunc("POST /v1/requests/{id}/timeout", s.auth(s.handleTimeout))
	mux.HandleFunc("POST /v1/callbacks/disclosure", s.auth(s.handleCallback))
	mux.HandleFunc("GET /v1/aggregates/{kind}", s.auth(s.handleAggregate))
	mux.HandleFunc("GET /v1/audit/count", s.auth(s.handleAuditCount))
	mux.HandleFunc("GET /v1/audit/{seq}", s.auth(s.handleAuditGet))
	mux.HandleFunc("POST /v1/audit/export", s.auth(s.handleAuditExport))

	mux.HandleFunc("POST /v1/admin/grants", s.auth(s.handleGrant))
	mux.HandleFunc("POST /v1/admin/revocations", s.auth(s.handleRevoke))
	mux.HandleFunc("POST /v1/admin/budget/limit", s.auth(s.handleSetLimit))
	mux.HandleFunc("POST /v1/admin/budget/reset", s.auth(s.handleResetUsage))
	mux.HandleFunc("POST /v1/admin/blur", s.auth(s.handleSetBlur))
	mux.HandleFunc("POST /v1/admin/pause", s.auth(s.handlePause))
	mux.HandleFunc("POST /v1/admin/resume", s.auth(s.handleResume))
	mux.HandleFunc("POST /v1/admin/tokens", s.auth(s.handleIssueToken))

	return mux
}

type apiHandler func(w http.ResponseWriter, r *http.Request, caller contracts.Identity)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// auth resolves the caller, applies the pause switch and the rate
// limiter, then dispatches. Admin endpoints stay reachable while
// paused so an operator can resume. Each dispatch runs inside a span
// with RED metrics keyed by the route pattern.
func (s *server) auth(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.obs != nil {
			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			ctx, done := s.obs.TrackOperation(r.Context(), route,
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			)
			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			w = rec
			defer func() {
				var err error
				if rec.status >= http.StatusBadRequest {
					err = fmt.Errorf("http status %d", rec.status)
				}
				done(err)
			}()
		}
		caller, err := s.callerFrom(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.pause.Paused() && !strings.HasPrefix(r.URL.Path, "/v1/admin/") {
			writeError(w, contracts.ErrSystemNotActive)
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, guard.ErrRateLimited)
			return
		}
		h(w, r, caller)
	}
}

// callerFrom authenticates the request. With no token manager
// configured the service trusts the X-Identity header; that mode is
// for local development only.
func (s *server) callerFrom(r *http.Request) (contracts.Identity, error) {
	if s.tokens == nil {
		id := contracts.Identity(r.Header.Get("X-Identity"))
		if id == contracts.Nobody {
			return contracts.Nobody, fmt.Errorf("%w: missing X-Identity header", contracts.ErrPermissionDenied)
		}
		return id, nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return contracts.Nobody, fmt.Errorf("%w: missing bearer token", contracts.ErrPermissionDenied)
	}
	id, _, err := s.tokens.Verify(token)
	if err != nil {
		return contracts.Nobody, fmt.Errorf("%w: %v", contracts.ErrPermissionDenied, err)
	}
	return id, nil
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	var req struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		writeError(w, fmt.Errorf("%w: value must be a decimal integer", contracts.ErrInvalidInput))
		return
	}
	id, err := s.svc.Submit(r.Context(), caller, req.Kind, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"metric_id": id})
}

func (s *server) handleMetricStatus(w http.ResponseWriter, r *http.Request, _ contracts.Identity) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.svc.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleRequestDisclosure(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	requestID, err := s.svc.RequestDisclosure(r.Context(), id, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

func (s *server) handleClaimRefund(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	refundID, err := s.svc.ClaimRefund(r.Context(), id, contracts.RefundReason(req.Reason), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund_id": refundID})
}

func (s *server) handleClaim(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	ref, err := s.refunds.Claim(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *server) handleRequestStatus(w http.ResponseWriter, r *http.Request, _ contracts.Identity) {
	req, err := s.svc.Protocol().Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *server) handleTimeout(w http.ResponseWriter, r *http.Request, _ contracts.Identity) {
	if err := s.svc.Protocol().HandleTimeout(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(disclosure.StatusTimeout)})
}

func (s *server) handleCallback(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := gatewayclient.ParseCallback(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Protocol().OnAuthorityCallback(r.Context(), caller, env.RequestID, env.Payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleAggregate(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	agg, err := s.svc.AggregateByKind(r.Context(), caller, r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":  agg.Kind,
		"sum":   agg.Sum.String(),
		"count": agg.Count,
	})
}

func (s *server) handleAuditCount(w http.ResponseWriter, r *http.Request, _ contracts.Identity) {
	count, err := s.journal.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *server) handleAuditGet(w http.ResponseWriter, r *http.Request, _ contracts.Identity) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad sequence", contracts.ErrInvalidInput))
		return
	}
	e, err := s.journal.Get(r.Context(), seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleAuditExport(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	if !s.registry.Has(caller, contracts.RoleAdmin) {
		writeError(w, fmt.Errorf("%w: %s is not an admin", contracts.ErrPermissionDenied, caller))
		return
	}
	if s.exporter == nil {
		writeError(w, audit.ErrStoreNotConfigured)
		return
	}
	var req struct {
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pack, _, err := s.exporter.Export(r.Context(), audit.ExportRequest{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *server) handleGrant(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	id, role, err := decodeGrant(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Grant(r.Context(), caller, id, role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	id, role, err := decodeGrant(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Revoke(r.Context(), caller, id, role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetLimit(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	var req struct {
		Limit int64 `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.guard.SetDailyLimit(r.Context(), caller, req.Limit); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResetUsage(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	if err := s.guard.ResetUsage(r.Context(), caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetBlur(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	var req struct {
		Factor uint64 `json:"factor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SetBlurFactor(r.Context(), caller, req.Factor); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePause(w http.ResponseWriter, _ *http.Request, caller contracts.Identity) {
	if err := s.pause.Pause(caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResume(w http.ResponseWriter, _ *http.Request, caller contracts.Identity) {
	if err := s.pause.Resume(caller); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request, caller contracts.Identity) {
	if !s.registry.Has(caller, contracts.RoleAdmin) {
		writeError(w, fmt.Errorf("%w: %s is not an admin", contracts.ErrPermissionDenied, caller))
		return
	}
	if s.tokens == nil {
		writeError(w, fmt.Errorf("%w: token issuance disabled", contracts.ErrInvalidInput))
		return
	}
	var req struct {
		Identity string   `json:"identity"`
		Roles    []string `json:"roles"`
		TTL      string   `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad ttl", contracts.ErrInvalidInput))
			return
		}
		ttl = d
	}
	roles := make([]contracts.Role, len(req.Roles))
	for i, role := range req.Roles {
		roles[i] = contracts.Role(role)
	}
	token, err := s.tokens.Issue(contracts.Identity(req.Identity), roles, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}

func decodeGrant(r *http.Request) (contracts.Identity, contracts.Role, error) {
	var req struct {
		Identity string `json:"identity"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return contracts.Nobody, "", err
	}
	return contracts.Identity(req.Identity), contracts.Role(req.Role), nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad metric id", contracts.ErrInvalidInput)
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidInput, err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidInput, err)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, contracts.ErrPermissionDenied),
		errors.Is(err, contracts.ErrNotBeneficiary):
		status = http.StatusForbidden
	case errors.Is(err, contracts.ErrInvalidInput),
		errors.Is(err, contracts.ErrValueOverflow),
		errors.Is(err, contracts.ErrInvalidAmount),
		errors.Is(err, contracts.ErrInvalidBeneficiary),
		errors.Is(err, gatewayclient.ErrBadEnvelope),
		errors.Is(err, audit.ErrInvalidTimeRange):
		status = http.StatusBadRequest
	case errors.Is(err, contracts.ErrUnknownRequest),
		errors.Is(err, metrics.ErrUnknownMetric),
		errors.Is(err, refund.ErrUnknownRefund),
		errors.Is(err, audit.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, contracts.ErrAlreadyTerminal),
		errors.Is(err, contracts.ErrNotYetTimedOut),
		errors.Is(err, contracts.ErrAlreadyClaimed),
		errors.Is(err, metrics.ErrStateConflict):
		status = http.StatusConflict
	case errors.Is(err, contracts.ErrBudgetExceeded),
		errors.Is(err, guard.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, contracts.ErrSystemNotActive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, policy.ErrDenied):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
