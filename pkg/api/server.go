package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldline/drivergate/pkg/audit"
	"github.com/fieldline/drivergate/pkg/dispatch"
	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/inspect"
	"github.com/fieldline/drivergate/pkg/policy"
	"github.com/fieldline/drivergate/pkg/report"
)

// Server exposes evaluation and reporting over HTTP.
type Server struct {
	store      *policy.Store
	evaluator  *evaluate.Evaluator
	dispatcher *dispatch.Dispatcher // optional
	reports    *report.Builder
	keyring    *report.Keyring // optional
	trail      *audit.Trail    // optional

	validator *JWTValidator
	limiter   *RateLimiter
	logger    *slog.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithDispatcher enables action dispatch on evaluation.
func WithDispatcher(d *dispatch.Dispatcher) ServerOption {
	return func(s *Server) { s.dispatcher = d }
}

// WithKeyring enables report signing.
func WithKeyring(k *report.Keyring) ServerOption {
	return func(s *Server) { s.keyring = k }
}

// WithAudit records every evaluation and dispatch side effect on the
// given trail.
func WithAudit(t *audit.Trail) ServerOption {
	return func(s *Server) { s.trail = t }
}

// WithReportBuilder overrides the default report builder, e.g. to apply
// site retention bounds.
func WithReportBuilder(b *report.Builder) ServerOption {
	return func(s *Server) { s.reports = b }
}

// WithValidator sets the JWT validator. Without one, all non-public
// requests are rejected.
func WithValidator(v *JWTValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// WithRateLimiter overrides the default per-IP limiter.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates the server.
func NewServer(store *policy.Store, evaluator *evaluate.Evaluator, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     store,
		evaluator: evaluator,
		reports:   report.NewBuilder(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(50, 100)
	}
	return s
}

// Close stops the server's background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Handler returns the full middleware chain and routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/reports/latest", s.handleLatestReport)
	mux.HandleFunc("POST /v1/policies/reload", s.handlePolicyReload)
	mux.HandleFunc("GET /v1/policies", s.handlePolicies)

	var h http.Handler = mux
	h = AuthMiddleware(s.validator)(h)
	h = s.limiter.Middleware(h)
	h = LoggingMiddleware(s.logger)(h)
	h = RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"policy_ref":   snap.Ref(),
		"policy_count": snap.Len(),
		"loaded_at":    snap.LoadedAt(),
	})
}

// evaluateRequest carries artifact metadata gathered by a fleet agent.
// Inspection runs on the endpoint; the server only evaluates and
// dispatches.
type evaluateRequest struct {
	inspect.Metadata
	Dispatch bool `json:"dispatch"`
}

type evaluateResponse struct {
	Verdict *evaluate.Verdict       `json:"verdict"`
	Actions []dispatch.ActionResult `json:"actions,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Platform == "" || req.Class == "" {
		WriteBadRequest(w, "platform and class are required")
		return
	}
	if req.InspectedAt.IsZero() {
		req.InspectedAt = time.Now().UTC()
	}

	verdict, err := s.evaluator.Evaluate(r.Context(), &req.Metadata)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	s.reports.Add(verdict)
	s.auditEvaluation(r.Context(), verdict)

	resp := evaluateResponse{Verdict: verdict}
	if req.Dispatch && s.dispatcher != nil {
		actions, err := s.dispatcher.Dispatch(r.Context(), verdict)
		if err != nil {
			WriteInternalError(w, err.Error())
			return
		}
		resp.Actions = actions
		s.auditDispatch(r.Context(), verdict, actions)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) auditEvaluation(ctx context.Context, v *evaluate.Verdict) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Record(ctx, audit.EventEvaluation, "evaluate", v.ArtifactID, map[string]any{
		"compliant":      v.Compliant,
		"violated_rules": v.ViolatedRules,
		"policy_ref":     v.PolicyRef,
	}); err != nil {
		s.logger.Error("audit record failed", "artifact", v.ArtifactID, "error", err)
	}
}

func (s *Server) auditDispatch(ctx context.Context, v *evaluate.Verdict, actions []dispatch.ActionResult) {
	if s.trail == nil {
		return
	}
	for _, a := range actions {
		if _, err := s.trail.Record(ctx, audit.EventDispatch, string(a.Action), v.ArtifactID, map[string]any{
			"outcome": string(a.Outcome),
			"detail":  a.Detail,
		}); err != nil {
			s.logger.Error("audit record failed", "artifact", v.ArtifactID, "error", err)
		}
	}
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	rpt, err := s.reports.Build(s.keyring)
	if err != nil {
		WriteInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rpt)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, "Policy Reload Failed", err.Error())
		return
	}
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_ref":   snap.Ref(),
		"policy_hash":  snap.Hash(),
		"policy_count": snap.Len(),
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	type entry struct {
		Platform string `json:"platform"`
		Class    string `json:"class"`
		MustSign bool   `json:"must_sign"`
	}
	entries := make([]entry, 0, snap.Len())
	for _, p := range snap.Policies() {
		entries = append(entries, entry{Platform: p.Platform, Class: p.Class, MustSign: p.MustSign})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy_ref": snap.Ref(),
		"policies":   entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
