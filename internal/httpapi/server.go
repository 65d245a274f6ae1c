// Package httpapi exposes the bearer-authenticated REST surface of the
// orchestrator.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/attach"
	"github.com/sleepysoong/codial/internal/idempotency"
	"github.com/sleepysoong/codial/internal/ids"
	"github.com/sleepysoong/codial/internal/policy"
	"github.com/sleepysoong/codial/internal/provider"
	"github.com/sleepysoong/codial/internal/rules"
	"github.com/sleepysoong/codial/internal/session"
	"github.com/sleepysoong/codial/internal/turn"
)

const maxRequestBytes int64 = 2 << 20

// Deps is the assembled container the handlers operate on.
type Deps struct {
	APIToken         string
	GatewayBaseURL   string
	EnabledProviders []string
	DefaultProvider  string

	Store       session.Store
	Pool        *turn.Pool
	Policy      *policy.Loader
	Rules       *rules.Store
	Idempotency *idempotency.Index
}

type server struct {
	logger *log.Logger
	deps   Deps
}

func NewServer(logger *log.Logger, addr string, deps Deps) *http.Server {
	s := &server{logger: logger, deps: deps}

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health/live", s.handleHealthLive)
		r.Get("/health/ready", s.handleHealthReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireBearer)

			r.Post("/sessions", s.handleCreateSession)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/bind-channel", s.handleBindChannel)
				r.Post("/end", s.handleEndSession)
				r.Post("/provider", s.handleSetProvider)
				r.Post("/model", s.handleSetModel)
				r.Post("/mcp", s.handleSetMCP)
				r.Post("/subagent", s.handleSetSubagent)
				r.Post("/turns", s.handleSubmitTurn)
			})

			r.Get("/codial/rules", s.handleListRules)
			r.Post("/codial/rules", s.handleAddRule)
			r.Delete("/codial/rules", s.handleRemoveRule)
		})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.deps.APIToken {
			s.writeError(w, ids.New(), apperr.New(apperr.CodeAuthFailed, "authentication failed", false))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleHealthReady(w http.ResponseWriter, _ *http.Request) {
	if strings.TrimSpace(s.deps.APIToken) == "" ||
		strings.TrimSpace(s.deps.GatewayBaseURL) == "" ||
		s.deps.Pool == nil {
		s.writeError(w, ids.New(), apperr.New(apperr.CodeNotReady, "service is not ready", true))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createSessionRequest struct {
	GuildID        string `json:"guild_id"`
	RequesterID    string `json:"requester_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if req.GuildID == "" || req.RequesterID == "" || req.IdempotencyKey == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed,
			"guild_id, requester_id and idempotency_key are required", false))
		return
	}

	body, replayed, err := s.deps.Idempotency.Do("session_create", req.IdempotencyKey, func() ([]byte, error) {
		cfg, err := s.sessionDefaults()
		if err != nil {
			return nil, err
		}
		rec, err := s.deps.Store.Create(r.Context(), req.GuildID, req.RequesterID, cfg)
		if err != nil {
			return nil, err
		}
		s.logger.Printf("session created trace_id=%s session_id=%s guild_id=%s", traceID, rec.SessionID, req.GuildID)
		return json.Marshal(map[string]any{
			"session_id": rec.SessionID,
			"status":     string(rec.Status),
		})
	})
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if replayed {
		s.logger.Printf("session create replayed trace_id=%s idempotency_key=%s", traceID, req.IdempotencyKey)
	}
	writeRawJSON(w, http.StatusOK, body)
}

// sessionDefaults seeds a new session from AGENTS.md and the enabled
// provider set.
func (s *server) sessionDefaults() (session.Config, error) {
	snapshot, err := s.deps.Policy.Load()
	if err != nil {
		return session.Config{}, err
	}
	defaults := snapshot.AgentDefaults

	preferred := defaults.Provider
	if preferred == "" {
		preferred = s.deps.DefaultProvider
	}
	cfg := session.Config{
		Provider:       provider.ChooseDefaultProvider(preferred, s.deps.EnabledProviders),
		Model:          defaults.Model,
		MCPEnabled:     true,
		MCPProfileName: defaults.MCPProfileName,
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-5-mini"
	}
	if defaults.MCPEnabled != nil {
		cfg.MCPEnabled = *defaults.MCPEnabled
	}
	if cfg.MCPProfileName == "" {
		cfg.MCPProfileName = "default"
	}
	return cfg, nil
}

type bindChannelRequest struct {
	ChannelID string `json:"channel_id"`
}

func (s *server) handleBindChannel(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req bindChannelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if req.ChannelID == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed, "channel_id is required", false))
		return
	}

	rec, err := s.deps.Store.BindChannel(r.Context(), sessionID, req.ChannelID)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("channel bound trace_id=%s session_id=%s channel_id=%s", traceID, sessionID, req.ChannelID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": rec.SessionID,
		"channel_id": rec.ChannelID,
		"status":     string(rec.Status),
	})
}

func (s *server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := s.deps.Store.End(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if s.deps.Pool != nil {
		s.deps.Pool.CancelSession(sessionID)
	}
	s.logger.Printf("session ended trace_id=%s session_id=%s", traceID, sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": rec.SessionID,
		"status":     string(rec.Status),
	})
}

type setProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req setProviderRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if req.Provider == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed, "provider is required", false))
		return
	}
	if !s.providerEnabled(req.Provider) {
		s.writeError(w, traceID, apperr.Newf(apperr.CodeProviderNotEnabled, false,
			"provider %q is not enabled (enabled: %s)", req.Provider, strings.Join(s.deps.EnabledProviders, ", ")))
		return
	}

	rec, err := s.deps.Store.SetProvider(r.Context(), sessionID, req.Provider)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("session provider set trace_id=%s session_id=%s provider=%s", traceID, sessionID, req.Provider)
	writeJSON(w, http.StatusOK, sessionConfigResponse(rec))
}

type setModelRequest struct {
	Model string `json:"model"`
}

func (s *server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req setModelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if req.Model == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed, "model is required", false))
		return
	}

	rec, err := s.deps.Store.SetModel(r.Context(), sessionID, req.Model)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("session model set trace_id=%s session_id=%s model=%s", traceID, sessionID, req.Model)
	writeJSON(w, http.StatusOK, sessionConfigResponse(rec))
}

type setMCPRequest struct {
	Enabled     bool   `json:"enabled"`
	ProfileName string `json:"profile_name"`
}

func (s *server) handleSetMCP(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req setMCPRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}

	rec, err := s.deps.Store.SetMCP(r.Context(), sessionID, req.Enabled, req.ProfileName)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("session mcp set trace_id=%s session_id=%s enabled=%t profile=%s",
		traceID, sessionID, req.Enabled, req.ProfileName)
	writeJSON(w, http.StatusOK, sessionConfigResponse(rec))
}

type setSubagentRequest struct {
	Name *string `json:"name"`
}

func (s *server) handleSetSubagent(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req setSubagentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}

	name := ""
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
	}
	if name != "" {
		snapshot, err := s.deps.Policy.Load()
		if err != nil {
			s.writeError(w, traceID, err)
			return
		}
		if _, ok := snapshot.Subagent(name); !ok {
			s.writeError(w, traceID, apperr.Newf(apperr.CodeSubagentNotFound, false,
				"subagent %q was not found", name))
			return
		}
	}

	rec, err := s.deps.Store.SetSubagent(r.Context(), sessionID, name)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("session subagent set trace_id=%s session_id=%s subagent=%q", traceID, sessionID, name)
	writeJSON(w, http.StatusOK, sessionConfigResponse(rec))
}

type submitTurnRequest struct {
	SessionID      string              `json:"session_id"`
	UserID         string              `json:"user_id"`
	ChannelID      string              `json:"channel_id"`
	Text           string              `json:"text"`
	Attachments    []attach.Attachment `json:"attachments"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (s *server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	sessionID := chi.URLParam(r, "sessionID")

	var req submitTurnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if req.UserID == "" || req.ChannelID == "" || req.IdempotencyKey == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed,
			"user_id, channel_id and idempotency_key are required", false))
		return
	}
	if req.SessionID != sessionID {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed,
			"body session_id does not match the path", false))
		return
	}

	rec, err := s.deps.Store.Get(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if rec.Status == session.StatusEnded {
		s.writeError(w, traceID, apperr.Newf(apperr.CodeSessionEnded, false,
			"session %s has ended", sessionID))
		return
	}

	body, replayed, err := s.deps.Idempotency.Do("turn_submit", req.IdempotencyKey, func() ([]byte, error) {
		turnID := ids.New()
		turnRecord := session.TurnRecord{
			TurnID:          turnID,
			SessionID:       sessionID,
			UserID:          req.UserID,
			ChannelID:       req.ChannelID,
			TraceID:         traceID,
			Text:            req.Text,
			AttachmentCount: len(req.Attachments),
		}
		if _, err := s.deps.Store.StartTurn(r.Context(), turnRecord); err != nil {
			return nil, err
		}

		task := &turn.Task{
			TurnID:         turnID,
			TraceID:        traceID,
			SessionID:      sessionID,
			UserID:         req.UserID,
			ChannelID:      req.ChannelID,
			Text:           req.Text,
			Attachments:    req.Attachments,
			Provider:       rec.Config.Provider,
			Model:          rec.Config.Model,
			MCPEnabled:     rec.Config.MCPEnabled,
			MCPProfileName: rec.Config.MCPProfileName,
			SubagentName:   rec.Config.SubagentName,
		}
		if err := s.deps.Pool.Enqueue(task); err != nil {
			if markErr := s.deps.Store.FailTurn(r.Context(), turnID, apperr.From(err).Error()); markErr != nil {
				s.logger.Printf("turn fail mark warning trace_id=%s turn_id=%s err=%v", traceID, turnID, markErr)
			}
			return nil, err
		}

		s.logger.Printf("turn accepted trace_id=%s session_id=%s turn_id=%s user_id=%s attachments=%d",
			traceID, sessionID, turnID, req.UserID, len(req.Attachments))
		return json.Marshal(map[string]any{
			"status":   "accepted",
			"trace_id": traceID,
			"turn_id":  turnID,
		})
	})
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if replayed {
		s.logger.Printf("turn submit replayed trace_id=%s idempotency_key=%s", traceID, req.IdempotencyKey)
	}
	writeRawJSON(w, http.StatusOK, body)
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()
	list, err := s.deps.Rules.List()
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

type addRuleRequest struct {
	Rule string `json:"rule"`
}

func (s *server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()

	var req addRuleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}
	if strings.TrimSpace(req.Rule) == "" {
		s.writeError(w, traceID, apperr.New(apperr.CodeValidationFailed, "rule is required", false))
		return
	}

	list, err := s.deps.Rules.Append(req.Rule)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("rule appended trace_id=%s count=%d", traceID, len(list))
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

type removeRuleRequest struct {
	Index int `json:"index"`
}

func (s *server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	traceID := ids.New()

	var req removeRuleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, traceID, err)
		return
	}

	list, err := s.deps.Rules.Remove(req.Index)
	if err != nil {
		s.writeError(w, traceID, err)
		return
	}
	s.logger.Printf("rule removed trace_id=%s index=%d count=%d", traceID, req.Index, len(list))
	writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *server) providerEnabled(name string) bool {
	for _, enabled := range s.deps.EnabledProviders {
		if enabled == name {
			return true
		}
	}
	return false
}

func sessionConfigResponse(rec session.Record) map[string]any {
	var subagent any
	if rec.Config.SubagentName != "" {
		subagent = rec.Config.SubagentName
	}
	var profile any
	if rec.Config.MCPProfileName != "" {
		profile = rec.Config.MCPProfileName
	}
	return map[string]any{
		"session_id":       rec.SessionID,
		"provider":         rec.Config.Provider,
		"model":            rec.Config.Model,
		"mcp_enabled":      rec.Config.MCPEnabled,
		"mcp_profile_name": profile,
		"subagent_name":    subagent,
	}
}

func decodeBody(r *http.Request, target any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(target); err != nil {
		return apperr.Newf(apperr.CodeValidationFailed, false, "invalid json: %v", err)
	}
	if dec.More() {
		return apperr.New(apperr.CodeValidationFailed, "invalid json: trailing content", false)
	}
	return nil
}

func (s *server) writeError(w http.ResponseWriter, traceID string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		err = apperr.New(apperr.CodeSessionNotFound, "session was not found", false)
	}
	envelope := apperr.EnvelopeFor(err, traceID)
	status := statusForCode(envelope.ErrorCode)
	s.logger.Printf("request failed trace_id=%s code=%s status=%d err=%v", traceID, envelope.ErrorCode, status, err)
	writeJSON(w, status, envelope)
}

func statusForCode(code string) int {
	switch code {
	case apperr.CodeAuthFailed:
		return http.StatusUnauthorized
	case apperr.CodeSessionNotFound, apperr.CodeSubagentNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionEnded:
		return http.StatusConflict
	case apperr.CodeValidationFailed, apperr.CodeProviderNotEnabled,
		apperr.CodeIndexOutOfRange, apperr.CodePolicyViolation:
		return http.StatusBadRequest
	case apperr.CodeQueueFull, apperr.CodeNotReady, apperr.CodeShutdown:
		return http.StatusServiceUnavailable
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
