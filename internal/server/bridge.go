package server

import (
	"context"

	"conductor/internal/bus"
	"conductor/internal/hub"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/process"
	"conductor/internal/queue"
)

// Server to client message types.
const (
	MessageWelcome         = "welcome"
	MessageProcessUpdate   = "process_update"
	MessageProcessLog      = "process_log"
	MessageQueueUpdate     = "queue_update"
	MessageKnowledgeUpdate = "knowledge_update"
	MessagePong            = "pong"
	MessageError           = "error"
)

// logPayload is the process_log wire shape. Entries arrive one per bus
// event; the array leaves room for future batching without a protocol
// break.
type logPayload struct {
	ProcessID string             `json:"processId"`
	Entries   []process.LogEntry `json:"entries"`
}

// knowledgePayload tags store changes with the bus topic so dashboards
// can tell an issue edit from a fragment link.
type knowledgePayload struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// errorPayload answers malformed or unserviceable client messages.
type errorPayload struct {
	Error string `json:"error"`
}

// welcomePayload opens every session.
type welcomePayload struct {
	SessionID string `json:"sessionId"`
	Version   string `json:"version"`
}

// connectBridge fans bus events out to hub sessions and feeds the
// metrics collector. Callbacks run on the bus dispatch goroutine and
// only enqueue, so they never block it. Returns a detach func.
func connectBridge(b *bus.Bus, h *hub.Hub, metrics *observability.MetricsCollector, logger logging.Logger) func() {
	logger = logging.OrNop(logger)
	ctx := context.Background()

	var subs []*bus.Subscription

	forward := func(topic bus.Topic, fn func(bus.Event)) {
		subs = append(subs, b.Subscribe(topic, fn))
	}

	processUpdate := func(ev bus.Event) {
		h.Broadcast(hub.NewMessage(MessageProcessUpdate, ev.Payload), nil)
	}
	forward(bus.TopicProcessCreated, processUpdate)
	forward(bus.TopicProcessStarted, func(ev bus.Event) {
		metrics.RecordProcessSpawned(ctx)
		processUpdate(ev)
	})
	forward(bus.TopicProcessExited, func(ev bus.Event) {
		if rec, ok := ev.Payload.(process.Record); ok {
			metrics.RecordProcessExited(ctx, string(rec.Status))
		}
		processUpdate(ev)
	})

	forward(bus.TopicProcessLog, func(ev bus.Event) {
		le, ok := ev.Payload.(process.LogEvent)
		if !ok {
			logger.Warn("bridge: unexpected %s payload %T", ev.Topic, ev.Payload)
			return
		}
		h.BroadcastToProcess(le.ProcessID, hub.NewMessage(MessageProcessLog, logPayload{
			ProcessID: le.ProcessID,
			Entries:   []process.LogEntry{le.Entry},
		}))
	})

	// queue.changed fires once per transition, so a rise in Running
	// counts exactly one dispatch.
	lastRunning := 0
	forward(bus.TopicQueueChanged, func(ev bus.Event) {
		st, ok := ev.Payload.(queue.Status)
		if !ok {
			logger.Warn("bridge: unexpected %s payload %T", ev.Topic, ev.Payload)
			return
		}
		metrics.RecordQueueDepth(ctx, st.Queued)
		if st.Running > lastRunning {
			metrics.RecordQueueDispatched(ctx)
		}
		lastRunning = st.Running
		h.Broadcast(hub.NewMessage(MessageQueueUpdate, st), nil)
	})

	knowledgeUpdate := func(ev bus.Event) {
		h.Broadcast(hub.NewMessage(MessageKnowledgeUpdate, knowledgePayload{
			Topic: string(ev.Topic),
			Data:  ev.Payload,
		}), nil)
	}
	for _, topic := range []bus.Topic{
		bus.TopicKnowledgeCreated, bus.TopicKnowledgeUpdated, bus.TopicKnowledgeDeleted,
		bus.TopicFragmentCreated, bus.TopicFragmentUpdated, bus.TopicFragmentDeleted,
		bus.TopicLinkCreated, bus.TopicLinkDeleted,
	} {
		forward(topic, knowledgeUpdate)
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}
