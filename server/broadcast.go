package server

import (
	"go.uber.org/zap"

	"relay/metrics"
	"relay/models"
	"relay/presence"
	"relay/protocol"
)

// ConnSet lists the connections a broadcast reaches.
type ConnSet interface {
	Conns() []presence.Conn
}

// Broadcaster fans events out to every open connection. There are two
// primitives on purpose: BroadcastAll includes the originator,
// BroadcastExcluding does not. Nothing is acknowledged or retried.
type Broadcaster struct {
	conns   ConnSet
	metrics *metrics.Metrics
}

func NewBroadcaster(conns ConnSet, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{conns: conns, metrics: m}
}

// BroadcastAll sends env to every open connection.
func (b *Broadcaster) BroadcastAll(env *protocol.Envelope) int {
	return b.fanout(env, "")
}

// BroadcastExcluding sends env to every open connection except origin.
func (b *Broadcaster) BroadcastExcluding(env *protocol.Envelope, origin presence.Conn) int {
	return b.fanout(env, origin.ID())
}

// BroadcastStatus announces a status transition to everyone, originator included.
func (b *Broadcaster) BroadcastStatus(id int64, status models.Status) int {
	env, err := protocol.NewEnvelope(protocol.TypeStatusChanged, protocol.StatusChangedPayload{
		UserID: id,
		Status: status,
	})
	if err != nil {
		zap.S().Errorw("failed to build status event", "error", err)
		return 0
	}
	return b.BroadcastAll(env)
}

func (b *Broadcaster) fanout(env *protocol.Envelope, skip string) int {
	b.metrics.Broadcast(string(env.Type))

	sent := 0
	for _, conn := range b.conns.Conns() {
		if skip != "" && conn.ID() == skip {
			continue
		}
		if err := conn.Send(env); err != nil {
			zap.S().Debugw("broadcast frame dropped",
				"event", env.Type,
				"conn", conn.ID(),
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}
