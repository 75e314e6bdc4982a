package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"relay/metrics"
	"relay/models"
	"relay/presence"
	"relay/protocol"
	"relay/store"
)

// Delivery is the real-time outcome of routing one message.
type Delivery int

const (
	Delivered Delivery = iota
	// DroppedOffline: the receiver has no presence entry.
	DroppedOffline
	// DroppedClosed: the receiver's connection refused the frame.
	DroppedClosed
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case DroppedOffline:
		return "offline"
	case DroppedClosed:
		return "closed"
	}
	return "unknown"
}

// Router persists messages best effort and forwards them to the receiver's
// live connection. Delivery is at most once: no retry, no acknowledgment.
type Router struct {
	registry *presence.Registry
	store    store.Store
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRouter(registry *presence.Registry, st store.Store, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		store:    st,
		metrics:  m,
		now:      time.Now,
	}
}

// Route persists msg, then delivers it if the receiver is present. A
// persistence failure is logged and does not stop live delivery, so a
// delivered message may be missing after a restart.
func (r *Router) Route(ctx context.Context, msg models.Message) (models.Message, Delivery) {
	r.metrics.Routed()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	id, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		r.metrics.StoreError("insert_message")
		zap.S().Warnw("failed to persist message",
			"sender", msg.SenderID,
			"receiver", msg.ReceiverID,
			"store", r.store.Mode(),
			"error", err,
		)
	} else {
		msg.ID = id
	}

	receiver, ok := r.registry.Find(msg.ReceiverID)
	if !ok || receiver.Conn == nil {
		r.metrics.Dropped(metrics.DropOffline)
		zap.S().Debugw("receiver offline, message dropped from real-time path",
			"sender", msg.SenderID,
			"receiver", msg.ReceiverID,
		)
		return msg, DroppedOffline
	}

	env, err := protocol.NewEnvelope(protocol.TypeMessage, msg)
	if err != nil {
		r.metrics.Dropped(metrics.DropClosed)
		return msg, DroppedClosed
	}
	if err := receiver.Conn.Send(env); err != nil {
		r.metrics.Dropped(metrics.DropClosed)
		level := zap.S().Debugw
		if !errors.Is(err, presence.ErrConnClosed) {
			level = zap.S().Warnw
		}
		level("message not delivered",
			"receiver", msg.ReceiverID,
			"conn", receiver.Conn.ID(),
			"error", err,
		)
		return msg, DroppedClosed
	}

	r.metrics.Delivered()
	return msg, Delivered
}
