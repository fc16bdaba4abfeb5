package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"stoppagemap/internal/trace"
)

const DefaultSubject = "stoppagemap.snapshots"

// NATSPublisher announces every published snapshot on a NATS subject so map
// surfaces in other processes know to refetch.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("stoppagemap"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subject: SubjectName(subject), logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type SnapshotMessage struct {
	ID                string    `json:"id"`
	Source            string    `json:"source"`
	LoadedAt          time.Time `json:"loadedAt"`
	Samples           int       `json:"samples"`
	Stoppages         int       `json:"stoppages"`
	TotalDwellMinutes float64   `json:"totalDwellMinutes"`
	LoadError         string    `json:"loadError,omitempty"`
}

func NewSnapshotMessage(snap *trace.Snapshot) SnapshotMessage {
	return SnapshotMessage{
		ID:                snap.ID,
		Source:            snap.Source,
		LoadedAt:          snap.LoadedAt,
		Samples:           snap.Summary.Samples,
		Stoppages:         snap.Summary.Stoppages,
		TotalDwellMinutes: snap.Summary.TotalDwellMinutes,
		LoadError:         snap.LoadError,
	}
}

// SnapshotPublished implements trace.Notifier.
func (p *NATSPublisher) SnapshotPublished(_ context.Context, snap *trace.Snapshot) error {
	b, err := json.Marshal(NewSnapshotMessage(snap))
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		return err
	}
	p.logger.Debug("nats publish", slog.String("subject", p.subject), slog.String("snapshot", snap.ID))
	return nil
}

// SubjectName cleans a configured subject. Dots separate tokens, so they are
// kept; characters NATS forbids inside a token are replaced.
func SubjectName(s string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "."), ".")
	var tokens []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		tokens = append(tokens, subjectToken(part))
	}
	if len(tokens) == 0 {
		return DefaultSubject
	}
	return strings.Join(tokens, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
