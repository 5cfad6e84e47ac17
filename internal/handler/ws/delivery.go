// Package ws is the session handler: one protocol interpreter per live
// connection. It negotiates identities on the handshake, drains the
// agent's durable inbox, then pumps frames both ways until the socket or
// the heartbeat gives up.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/auth"
	"github.com/webitel/agent-bus/internal/domain/model"
	"github.com/webitel/agent-bus/internal/domain/registry"
	wsmarshaller "github.com/webitel/agent-bus/internal/handler/marshaller/ws"
	"github.com/webitel/agent-bus/internal/service"
)

const writeWait = 10 * time.Second

type Handler struct {
	logger   *slog.Logger
	registry *registry.Manager
	router   service.Router
	verifier auth.TokenVerifier
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewHandler(logger *slog.Logger, reg *registry.Manager, router service.Router, verifier auth.TokenVerifier, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:   logger.With(slog.String("component", "ws")),
		registry: reg,
		router:   router,
		verifier: verifier,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := model.ConnectParams{
		UserID:      r.URL.Query().Get("user_id"),
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		AgentID:     r.URL.Query().Get("agent_id"),
	}

	// verify_token(bearer) → user_id; an explicit bearer always wins over
	// the query parameter.
	if bearer := bearerToken(r); bearer != "" {
		userID, err := h.verifier.VerifyToken(r.Context(), bearer)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if userID != "" {
			params.UserID = userID
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.Any("err", err))
		return
	}

	session := h.registry.NewSession(r.Context(), params)
	l := h.logger.With(
		slog.String("session_id", session.ID()),
		slog.String("agent_id", params.AgentID),
	)

	// Re-connect for the same agent evicts the previous session; its
	// socket closes before this session's connected frame goes out.
	if evicted := h.registry.Register(session); evicted != nil {
		evicted.Close()
	}

	go h.writeLoop(conn, session)

	h.metrics.ActiveSessions.Inc()
	defer func() {
		h.registry.Unregister(session.ID())
		_ = h.router.Detach(context.Background(), session.ID())
		h.metrics.ActiveSessions.Dec()
		l.Info("session closed")
	}()

	if !session.Send(wsmarshaller.Connected(session.ID(), time.Now()), h.registry.SendTimeout()) {
		return
	}
	h.registry.MarkConnected(session)
	l.Info("session established",
		slog.String("user_id", params.UserID),
		slog.String("workspace_id", params.WorkspaceID))

	if err := h.router.Attach(r.Context(), session.ID(), params.AgentID, params.WorkspaceID); err != nil {
		l.Error("failed to join standing channels", slog.Any("err", err))
		session.Send(wsmarshaller.Error("subscription setup failed"), h.registry.SendTimeout())
		return
	}

	// Everything that queued up while the agent was offline goes out
	// first, flagged as queued so the client can tell a drain from a live
	// fan-out.
	if params.AgentID != "" {
		h.drainInbox(r.Context(), l, session)
	}

	h.readLoop(r.Context(), l, conn, session)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

// drainInbox empties the durable queue into the fresh session. Delivered
// ids are marked seen so the ephemeral copy of a both-mode message is not
// duplicated right after connect.
func (h *Handler) drainInbox(ctx context.Context, l *slog.Logger, session *registry.Session) {
	delivered, err := h.router.DrainInbox(ctx, session.AgentID(), func(msg *model.Message) bool {
		session.MarkSeen(msg.ID)
		ok := session.Send(wsmarshaller.Message(msg, true), h.registry.SendTimeout())
		if ok {
			h.metrics.FramesOut.WithLabelValues(string(model.FrameMessage)).Inc()
		}
		return ok
	})
	if err != nil {
		l.Error("inbox drain failed", slog.Any("err", err))
		return
	}
	if delivered > 0 {
		l.Info("drained queued messages", slog.Int("count", delivered))
	}
}

// writeLoop is the single socket writer; it preserves the order in which
// Send was invoked on the session and exits when the session closes.
func (h *Handler) writeLoop(conn *websocket.Conn, session *registry.Session) {
	defer func() { _ = conn.Close() }()
	for {
		select {
		case <-session.Done():
			return
		case payload := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.registry.Unregister(session.ID())
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, l *slog.Logger, conn *websocket.Conn, session *registry.Session) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug("socket read failed", slog.Any("err", err))
			}
			return
		}

		var frame model.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			session.Send(wsmarshaller.Error("malformed frame"), h.registry.SendTimeout())
			continue
		}
		h.metrics.FramesIn.WithLabelValues(string(frame.Type)).Inc()

		// One bad frame produces one error frame; the session continues.
		h.handleFrame(ctx, l, session, &frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, l *slog.Logger, session *registry.Session, frame *model.InboundFrame) {
	timeout := h.registry.SendTimeout()
	switch frame.Type {
	case model.FrameSubscribe:
		if len(frame.Topics) == 0 {
			session.Send(wsmarshaller.Error("subscribe requires topics"), timeout)
			return
		}
		full, err := h.router.Subscribe(ctx, session.ID(), frame.Topics)
		if err != nil {
			l.Warn("subscribe failed", slog.Any("err", err))
			session.Send(wsmarshaller.Error("subscription failed"), timeout)
			return
		}
		h.registry.Subscribe(session.ID(), full)
		session.Send(wsmarshaller.Subscribed(frame.Topics), timeout)

	case model.FrameUnsubscribe:
		topics := frame.Topics
		if len(topics) == 0 {
			topics = nil
		}
		full, err := h.router.Unsubscribe(ctx, session.ID(), topics)
		if err != nil {
			l.Warn("unsubscribe failed", slog.Any("err", err))
			session.Send(wsmarshaller.Error("unsubscribe failed"), timeout)
			return
		}
		h.registry.Unsubscribe(session.ID(), full)
		session.Send(wsmarshaller.Unsubscribed(topics), timeout)

	case model.FrameSend:
		if session.AgentID() == "" {
			session.Send(wsmarshaller.Error("send requires an agent identity"), timeout)
			return
		}
		if frame.ToAgent == "" {
			session.Send(wsmarshaller.Error("send requires to_agent"), timeout)
			return
		}
		msg, err := h.router.SendDirect(ctx,
			session.AgentID(), frame.ToAgent, frame.Content,
			messageKind(frame.MessageType), model.ModeBoth, frame.Priority)
		if err != nil {
			l.Warn("direct send failed", slog.String("to_agent", frame.ToAgent), slog.Any("err", err))
			session.Send(wsmarshaller.Error("delivery failed"), timeout)
			return
		}
		h.metrics.MessagesRouted.WithLabelValues("send").Inc()
		session.Send(wsmarshaller.Sent(msg.ID), timeout)

	case model.FrameBroadcast:
		workspaceID := frame.WorkspaceID
		if workspaceID == "" {
			workspaceID = session.WorkspaceID()
		}
		if workspaceID == "" {
			session.Send(wsmarshaller.Error("broadcast requires a workspace"), timeout)
			return
		}
		if _, err := h.router.Broadcast(ctx,
			session.AgentID(), workspaceID, frame.Content,
			messageKind(frame.MessageType), frame.ExcludeAgent); err != nil {
			l.Warn("broadcast failed", slog.String("workspace_id", workspaceID), slog.Any("err", err))
			session.Send(wsmarshaller.Error("broadcast failed"), timeout)
			return
		}
		h.metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
		session.Send(wsmarshaller.BroadcastAck(workspaceID, h.localRecipients(workspaceID, frame.ExcludeAgent)), timeout)

	case model.FramePong:
		session.Pong()

	default:
		session.Send(wsmarshaller.Error("unknown message type"), timeout)
	}
}

// localRecipients counts the workspace sessions the broadcast will reach
// on this node, honoring the delivery-time exclusion.
func (h *Handler) localRecipients(workspaceID, excludeAgent string) int64 {
	var n int64
	for _, s := range h.registry.SessionsByWorkspace(workspaceID) {
		if excludeAgent != "" && s.AgentID() == excludeAgent {
			continue
		}
		n++
	}
	return n
}

func messageKind(raw string) model.MessageKind {
	switch model.MessageKind(raw) {
	case model.KindRequest, model.KindResponse, model.KindCommand:
		return model.MessageKind(raw)
	default:
		return model.KindNotification
	}
}
