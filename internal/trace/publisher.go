package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stoppagemap/internal/logging"
)

// Notifier is told about every snapshot after it becomes current.
type Notifier interface {
	SnapshotPublished(ctx context.Context, snap *Snapshot) error
}

type NotifierFunc func(ctx context.Context, snap *Snapshot) error

func (f NotifierFunc) SnapshotPublished(ctx context.Context, snap *Snapshot) error {
	return f(ctx, snap)
}

// Publisher holds the current snapshot. Reads never block; each Publish fully
// replaces the previous snapshot.
type Publisher struct {
	Logger *slog.Logger

	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	notifiers []Notifier
}

func NewPublisher(logger *slog.Logger) *Publisher {
	p := &Publisher{Logger: logger}
	p.current.Store(Empty("", "", time.Time{}, nil))
	return p
}

func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

func (p *Publisher) Subscribe(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifiers = append(p.notifiers, n)
}

// Publish makes snap current, then notifies subscribers in order. Notifier
// failures are logged and do not affect the published snapshot.
func (p *Publisher) Publish(ctx context.Context, snap *Snapshot) int {
	p.current.Store(snap)

	p.mu.Lock()
	notifiers := append([]Notifier(nil), p.notifiers...)
	p.mu.Unlock()

	failed := 0
	for _, n := range notifiers {
		if err := n.SnapshotPublished(ctx, snap); err != nil {
			failed++
			logging.LogError(p.Logger, "snapshot notification failed", err, slog.String("snapshot", snap.ID))
		}
	}
	return failed
}
