// Package httpapi exposes the administrative REST surface: session and
// queue introspection, out-of-band publishing, and active health checks.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/domain/model"
	"github.com/webitel/agent-bus/internal/domain/registry"
	"github.com/webitel/agent-bus/internal/service"
	"github.com/webitel/agent-bus/internal/service/health"
)

const (
	defaultPendingLimit = 100
	maxLongPollWait     = 30 * time.Second
	longPollInterval    = 250 * time.Millisecond
)

type Handler struct {
	logger     *slog.Logger
	registry   *registry.Manager
	router     service.Router
	membership service.MembershipChecker
	prober     *health.Prober
	metrics    *metrics.Metrics
}

func NewHandler(logger *slog.Logger, reg *registry.Manager, router service.Router, membership service.MembershipChecker, prober *health.Prober, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:     logger.With(slog.String("component", "api")),
		registry:   reg,
		router:     router,
		membership: membership,
		prober:     prober,
		metrics:    m,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/sessions", h.listSessions)
	r.Get("/stats", h.stats)
	r.Get("/agents/{agent_id}/pending", h.pendingMessages)
	r.Get("/agents/{agent_id}/queue", h.queueStats)
	r.Post("/publish", h.publish)
	return r
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.Sessions()
	infos := make([]*model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bus":     h.registry.Stats(),
		"broker":  h.prober.Histories(),
		"updated": time.Now().UTC(),
	})
}

// pendingMessages peeks the agent's durable queue without consuming it.
// With ?wait= it long-polls: the response is held open until a message
// arrives or the wait elapses.
func (h *Handler) pendingMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	limit := int64(defaultPendingLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if d > maxLongPollWait {
			d = maxLongPollWait
		}
		wait = d
	}

	deadline := time.Now().Add(wait)
	for {
		msgs, err := h.router.GetPending(r.Context(), agentID, limit)
		if err != nil {
			h.logger.Error("pending lookup failed", slog.String("agent_id", agentID), slog.Any("err", err))
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, map[string]any{
				"agent_id": agentID,
				"count":    len(msgs),
				"messages": msgs,
			})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(longPollInterval):
		}
	}
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")
	stats, err := h.router.QueueStats(r.Context(), agentID)
	if err != nil {
		h.logger.Error("queue stats failed", slog.String("agent_id", agentID), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"queue":    stats,
	})
}

type publishRequest struct {
	Topic       string         `json:"topic"`
	FromAgent   string         `json:"from_agent"`
	Content     map[string]any `json:"content"`
	MessageType string         `json:"message_type,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Priority    int            `json:"priority,omitempty"`
}

// publish injects a message into the bus without a live socket, for
// services that are not themselves agents. Workspace topics require the
// sender to be a member of that workspace.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := model.ValidateTopic(req.Topic); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := model.ModePubSub
	if req.Mode != "" {
		mode = model.DeliveryMode(req.Mode)
		if !mode.Valid() {
			writeError(w, http.StatusBadRequest, "unknown delivery mode")
			return
		}
	}

	// Workspace topics go through the broadcast path so they land on the
	// same channel connected sessions listen on; the sender must clear
	// the membership gate first.
	if workspaceID, ok := model.WorkspaceOf(req.Topic); ok {
		if req.FromAgent != "" {
			member, err := h.membership.IsAgentInWorkspace(r.Context(), workspaceID, req.FromAgent)
			if err != nil {
				h.logger.Error("membership check failed", slog.String("workspace_id", workspaceID), slog.Any("err", err))
				writeError(w, http.StatusServiceUnavailable, "membership check unavailable")
				return
			}
			if !member {
				writeError(w, http.StatusForbidden, "agent is not a workspace member")
				return
			}
		}
		subscribers, err := h.router.Broadcast(r.Context(), req.FromAgent, workspaceID,
			req.Content, kindOrDefault(req.MessageType), "")
		if err != nil {
			h.logger.Error("broadcast failed", slog.String("topic", req.Topic), slog.Any("err", err))
			writeError(w, http.StatusServiceUnavailable, "publish failed")
			return
		}
		h.metrics.MessagesRouted.WithLabelValues("api_broadcast").Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"topic":       req.Topic,
			"subscribers": subscribers,
		})
		return
	}

	msg := model.NewMessage(req.FromAgent, "", req.Content, kindOrDefault(req.MessageType), mode, req.Priority)
	subscribers, err := h.router.Publish(r.Context(), req.Topic, msg)
	if err != nil {
		h.logger.Error("publish failed", slog.String("topic", req.Topic), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "publish failed")
		return
	}
	h.metrics.MessagesRouted.WithLabelValues("api_publish").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message_id":  msg.ID,
		"topic":       req.Topic,
		"subscribers": subscribers,
	})
}

func kindOrDefault(raw string) model.MessageKind {
	switch model.MessageKind(raw) {
	case model.KindRequest, model.KindResponse, model.KindCommand:
		return model.MessageKind(raw)
	default:
		return model.KindNotification
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
