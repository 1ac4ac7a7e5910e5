package websocket

import (
	"context"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/metrics"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/api/cherryd"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

// Kind names one periodic broadcast cadence.
type Kind string

const (
	KindState       Kind = "state"
	KindDisks       Kind = "disks"
	KindConnections Kind = "connections"
)

// MessageType maps the broadcast kind to its wire tag.
func (k Kind) MessageType() cherryd.MessageType {
	switch k {
	case KindDisks:
		return cherryd.TypeDataDynamicDisks
	case KindConnections:
		return cherryd.TypeDataDynamicConnections
	default:
		return cherryd.TypeDataDynamic
	}
}

// PayloadSource resolves machine uuids to wire payloads. Batch calls
// tolerate per-machine failures by omitting the machine from the map.
type PayloadSource interface {
	PropertiesByUUIDs(ctx context.Context, ids []string) map[string]cherryd.PropertiesPayload
	StateByUUIDs(ctx context.Context, ids []string) map[string]cherryd.StatePayload
	DisksByUUIDs(ctx context.Context, ids []string) map[string]cherryd.DisksPayload
	ConnectionsByUUIDs(ctx context.Context, ids []string) map[string]cherryd.ConnectionsPayload
}

// ResolveFunc maps a registry key to the machine uuids its sessions are
// interested in.
type ResolveFunc[K comparable] func(ctx context.Context, key K) ([]string, error)

// Scope is one of the three subscription scopes. The scopes share this
// implementation and differ only in key type, resolve function and which
// broadcast kinds they carry.
type Scope[K comparable] struct {
	name                string
	registry            *Registry[K]
	resolve             ResolveFunc[K]
	kinds               map[Kind]bool
	snapshotConnections bool

	payloads PayloadSource
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// NewScope builds a scope. broadcastKinds lists the cadences its loops
// serve; snapshotConnections adds DATA_DYNAMIC_CONNECTIONS to the
// connect-time snapshot even when no connections loop runs for the scope.
func NewScope[K comparable](name string, resolve ResolveFunc[K], broadcastKinds []Kind, snapshotConnections bool, payloads PayloadSource, logger logging.Logger, m *metrics.Metrics) *Scope[K] {
	kinds := make(map[Kind]bool, len(broadcastKinds))
	for _, k := range broadcastKinds {
		kinds[k] = true
	}
	return &Scope[K]{
		name:                name,
		registry:            NewRegistry[K](),
		resolve:             resolve,
		kinds:               kinds,
		snapshotConnections: snapshotConnections,
		payloads:            payloads,
		logger:              logger,
		metrics:             m,
	}
}

// Name returns the scope label used in logs and metrics.
func (s *Scope[K]) Name() string { return s.name }

// Carries reports whether the scope broadcasts the kind.
func (s *Scope[K]) Carries(kind Kind) bool { return s.kinds[kind] }

// Subscribe registers the session under the interest key.
func (s *Scope[K]) Subscribe(key K, sess *Session) {
	s.registry.Subscribe(key, sess)
	s.updateGauge()
	s.logger.WithFields(logging.Fields{
		"scope":       s.name,
		"user_id":     sess.UserID(),
		"session_key": sess.Key(),
		"sessions":    s.registry.Len(),
	}).Info("Session subscribed")
}

// Unsubscribe removes the session from the interest key's bucket.
func (s *Scope[K]) Unsubscribe(key K, sk SessionKey) {
	if s.registry.Unsubscribe(key, sk) {
		s.updateGauge()
		s.logger.WithFields(logging.Fields{
			"scope":       s.name,
			"session_key": sk,
			"sessions":    s.registry.Len(),
		}).Info("Session unsubscribed")
	}
}

// SessionCount returns the live subscription count.
func (s *Scope[K]) SessionCount() int { return s.registry.Len() }

func (s *Scope[K]) updateGauge() {
	if s.metrics != nil {
		s.metrics.SessionsActive.WithLabelValues(s.name).Set(float64(s.registry.Len()))
	}
}

// SendSnapshot pushes the connect-time snapshot to one session, in the
// fixed order DATA_STATIC, DATA_DYNAMIC, DATA_DYNAMIC_DISKS and, for
// scopes that include it, DATA_DYNAMIC_CONNECTIONS. Each send is failure
// isolated: a failing payload fetch is logged and the remaining sends
// still go out.
func (s *Scope[K]) SendSnapshot(ctx context.Context, key K, sess *Session) {
	ids, err := s.resolve(ctx, key)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"scope": s.name, "user_id": sess.UserID(),
		}).Error("Failed to resolve machines for connect snapshot")
		return
	}

	s.snapshotSend(sess, cherryd.TypeDataStatic, s.payloads.PropertiesByUUIDs(ctx, ids))
	s.snapshotSend(sess, cherryd.TypeDataDynamic, s.payloads.StateByUUIDs(ctx, ids))
	s.snapshotSend(sess, cherryd.TypeDataDynamicDisks, s.payloads.DisksByUUIDs(ctx, ids))
	if s.snapshotConnections {
		s.snapshotSend(sess, cherryd.TypeDataDynamicConnections, s.payloads.ConnectionsByUUIDs(ctx, ids))
	}
}

func (s *Scope[K]) snapshotSend(sess *Session, t cherryd.MessageType, body interface{}) {
	if err := sess.Send(t, body); err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"scope": s.name, "type": string(t), "user_id": sess.UserID(),
		}).Error("Failed to send connect snapshot message")
	}
}

// BroadcastPass runs one pass of the kind's loop: snapshot the registry,
// fetch fresh payloads once for the union of interesting machines, fan
// the per-bucket subset out to every live session, then bulk-prune the
// sessions that turned out dead.
func (s *Scope[K]) BroadcastPass(ctx context.Context, kind Kind) {
	start := time.Now()
	buckets := s.registry.All()
	if len(buckets) == 0 {
		return
	}

	machineSets := make(map[K][]string, len(buckets))
	var union []string
	seen := make(map[string]struct{})
	for key := range buckets {
		ids, err := s.resolve(ctx, key)
		if err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"scope": s.name, "kind": string(kind),
			}).Error("Failed to resolve machines for broadcast bucket")
			continue
		}
		machineSets[key] = ids
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				union = append(union, id)
			}
		}
	}

	payloadsByID := s.fetch(ctx, kind, union)
	t := kind.MessageType()

	dead := make(map[K][]SessionKey)
	for key, sessions := range buckets {
		ids, ok := machineSets[key]
		if !ok {
			continue // resolve failed, retry next pass
		}
		body := subset(payloadsByID, ids)
		for _, sess := range sessions {
			if !sess.Alive() {
				dead[key] = append(dead[key], sess.Key())
				continue
			}
			if err := sess.Send(t, body); err != nil {
				dead[key] = append(dead[key], sess.Key())
			}
		}
	}

	for key, keys := range dead {
		s.registry.Prune(key, keys)
		if s.metrics != nil {
			s.metrics.SessionsPruned.WithLabelValues(s.name).Add(float64(len(keys)))
		}
	}
	if len(dead) > 0 {
		s.updateGauge()
	}

	if s.metrics != nil {
		s.metrics.BroadcastDuration.WithLabelValues(s.name, string(kind)).
			Observe(time.Since(start).Seconds())
	}
}

func (s *Scope[K]) fetch(ctx context.Context, kind Kind, ids []string) map[string]interface{} {
	out := make(map[string]interface{}, len(ids))
	switch kind {
	case KindState:
		for id, p := range s.payloads.StateByUUIDs(ctx, ids) {
			out[id] = p
		}
	case KindDisks:
		for id, p := range s.payloads.DisksByUUIDs(ctx, ids) {
			out[id] = p
		}
	case KindConnections:
		for id, p := range s.payloads.ConnectionsByUUIDs(ctx, ids) {
			out[id] = p
		}
	}
	return out
}

func subset(all map[string]interface{}, ids []string) map[string]interface{} {
	out := make(map[string]interface{}, len(ids))
	for _, id := range ids {
		if v, ok := all[id]; ok {
			out[id] = v
		}
	}
	return out
}

// DispatchTo enqueues a lifecycle message on every session subscribed
// under any of the keys. Sends are fire-and-forget: a closed session is
// logged and left for the next broadcast pass to prune.
func (s *Scope[K]) DispatchTo(keys []K, t cherryd.MessageType, body interface{}) {
	s.dispatch(s.registry.SessionsForKeys(keys), t, body)
}

// DispatchAll enqueues a lifecycle message on every session in the scope.
func (s *Scope[K]) DispatchAll(t cherryd.MessageType, body interface{}) {
	s.dispatch(s.registry.AllSessions(), t, body)
}

func (s *Scope[K]) dispatch(sessions []*Session, t cherryd.MessageType, body interface{}) {
	for _, sess := range sessions {
		if err := sess.Send(t, body); err != nil {
			s.logger.WithError(err).WithFields(logging.Fields{
				"scope": s.name, "type": string(t), "user_id": sess.UserID(),
			}).Warn("Dropped lifecycle message to closed session")
		}
	}
}
