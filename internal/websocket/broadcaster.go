package websocket

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

// ScopeRunner is what the broadcaster needs from a scope, independent of
// its key type.
type ScopeRunner interface {
	Name() string
	Carries(kind Kind) bool
	BroadcastPass(ctx context.Context, kind Kind)
}

// Intervals configures the three broadcast cadences.
type Intervals struct {
	State       time.Duration
	Disks       time.Duration
	Connections time.Duration
}

// DefaultIntervals matches the service defaults: fast state refresh, slow
// disk usage scans, moderate connection polling.
func DefaultIntervals() Intervals {
	return Intervals{
		State:       time.Second,
		Disks:       120 * time.Second,
		Connections: 10 * time.Second,
	}
}

func (iv Intervals) forKind(kind Kind) time.Duration {
	switch kind {
	case KindDisks:
		return iv.Disks
	case KindConnections:
		return iv.Connections
	default:
		return iv.State
	}
}

// Broadcaster drives the periodic broadcast loops. Each scope gets one
// goroutine per broadcast kind it carries; a panicking pass is recovered
// and logged so a loop never dies.
type Broadcaster struct {
	scopes    []ScopeRunner
	intervals Intervals
	logger    logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBroadcaster builds a broadcaster over the given scopes.
func NewBroadcaster(scopes []ScopeRunner, intervals Intervals, logger logging.Logger) *Broadcaster {
	return &Broadcaster{scopes: scopes, intervals: intervals, logger: logger}
}

// Start launches the broadcast loops. Idempotent: a second call while
// running is a no-op, so the loops are never doubled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	for _, scope := range b.scopes {
		for _, kind := range []Kind{KindState, KindDisks, KindConnections} {
			if !scope.Carries(kind) {
				continue
			}
			b.wg.Add(1)
			go b.runLoop(ctx, scope, kind, b.intervals.forKind(kind))
		}
	}
	b.logger.Info("Broadcast loops started")
}

// Stop cancels the loops and waits for them to drain.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.logger.Info("Broadcast loops stopped")
}

func (b *Broadcaster) runLoop(ctx context.Context, scope ScopeRunner, kind Kind, interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runPass(ctx, scope, kind)
		}
	}
}

func (b *Broadcaster) runPass(ctx context.Context, scope ScopeRunner, kind Kind) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"scope": scope.Name(),
				"kind":  string(kind),
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in broadcast pass")
		}
	}()
	scope.BroadcastPass(ctx, kind)
}
