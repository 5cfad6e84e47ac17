package ws

import (
	"context"
	"log/slog"

	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/domain/model"
	"github.com/webitel/agent-bus/internal/domain/registry"
	wsmarshaller "github.com/webitel/agent-bus/internal/handler/marshaller/ws"
)

// Dispatcher fans envelopes from the broker out to local sessions. It is
// the delivery half of the session handler: the read loop consumes frames
// from clients, the dispatcher pushes frames at them.
type Dispatcher struct {
	logger   *slog.Logger
	registry *registry.Manager
	metrics  *metrics.Metrics
}

func NewDispatcher(logger *slog.Logger, reg *registry.Manager, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatcher")),
		registry: reg,
		metrics:  m,
	}
}

// HandleEnvelope routes one decoded envelope. Inbox topics resolve to the
// single session owning that agent id, workspace topics fan out with the
// delivery-time exclusion applied, anything else goes to explicit topic
// subscribers.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env *model.Envelope) error {
	msg, err := env.Message()
	if err != nil {
		d.logger.Warn("undecodable envelope payload",
			slog.String("topic", env.Topic), slog.Any("err", err))
		return nil
	}

	switch {
	case isInbox(env.Topic):
		agentID, _ := model.InboxAgent(env.Topic)
		d.deliverToAgent(agentID, msg)
	case isWorkspace(env.Topic):
		d.deliverToWorkspace(env.Topic, msg)
	default:
		d.deliverToTopic(env.Topic, msg)
	}
	return nil
}

func isInbox(topic string) bool {
	_, ok := model.InboxAgent(topic)
	return ok
}

func isWorkspace(topic string) bool {
	_, ok := model.WorkspaceOf(topic)
	return ok
}

func (d *Dispatcher) deliverToAgent(agentID string, msg *model.Message) {
	session, ok := d.registry.SessionByAgent(agentID)
	if !ok {
		return // offline; the durable copy waits in the queue
	}
	// The queue drain may have pushed this exact message moments ago.
	if session.MarkSeen(msg.ID) {
		return
	}
	d.push(session, msg)
}

func (d *Dispatcher) deliverToWorkspace(topic string, msg *model.Message) {
	workspaceID, _ := model.WorkspaceOf(topic)
	exclude := ""
	if msg.Metadata != nil {
		if v, ok := msg.Metadata[model.MetaExcludeAgent].(string); ok {
			exclude = v
		}
	}
	for _, session := range d.registry.SessionsByWorkspace(workspaceID) {
		if exclude != "" && session.AgentID() == exclude {
			continue
		}
		d.push(session, msg)
	}
}

func (d *Dispatcher) deliverToTopic(topic string, msg *model.Message) {
	for _, session := range d.registry.SessionsByTopic(topic) {
		d.push(session, msg)
	}
}

func (d *Dispatcher) push(session *registry.Session, msg *model.Message) {
	if !session.Send(wsmarshaller.Message(msg, false), d.registry.SendTimeout()) {
		// A wedged mailbox is as dead as a broken socket.
		d.logger.Warn("dropping unresponsive session",
			slog.String("session_id", session.ID()),
			slog.String("agent_id", session.AgentID()))
		d.registry.Unregister(session.ID())
		return
	}
	d.metrics.FramesOut.WithLabelValues(string(model.FrameMessage)).Inc()
}
