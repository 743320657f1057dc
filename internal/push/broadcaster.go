// Package push maintains the per-user registry of live push connections
// and fans out domain events to every open connection for a user.
// Delivery is best-effort: a dead connection is pruned, never retried.
package push

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
)

// Conn is a one-way push transport. Write must fail fast on a dead
// connection; the broadcaster treats any write error as final.
type Conn interface {
	Write(p []byte) error
}

// heartbeatFrame is an SSE comment line clients ignore
var heartbeatFrame = []byte(": heartbeat\n\n")

// Broadcaster multiplexes domain events to every live connection of the
// target user. Safe for concurrent use.
type Broadcaster struct {
	tuning  *infra.Tuning
	metrics *infra.Metrics

	mu    sync.Mutex
	conns map[string]map[Conn]struct{} // userID -> connection set

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a broadcaster. The heartbeat loop starts only when the
// configured interval is positive, so short-lived test and batch-job
// contexts can run without a background task; Stop never waits on it.
func New(tuning *infra.Tuning, metrics *infra.Metrics) *Broadcaster {
	b := &Broadcaster{
		tuning:  tuning,
		metrics: metrics,
		conns:   make(map[string]map[Conn]struct{}),
		stop:    make(chan struct{}),
	}
	if tuning.HeartbeatInterval() > 0 {
		go b.heartbeatLoop()
	}
	return b
}

// Subscribe registers a connection under the user and acknowledges it
// with a "connected" frame on that connection only.
func (b *Broadcaster) Subscribe(userID string, conn Conn) {
	b.mu.Lock()
	set := b.conns[userID]
	if set == nil {
		set = make(map[Conn]struct{})
		b.conns[userID] = set
	}
	set[conn] = struct{}{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.IncrementConnections()
	}

	ack := domain.NewEvent(domain.EventConnected, map[string]any{
		"userId":    userID,
		"timestamp": time.Now().UnixMilli(),
	})
	if err := conn.Write(encodeFrame(ack)); err != nil {
		slog.Debug("subscribe ack failed, dropping connection",
			slog.String("user", userID),
			slog.Any("error", err))
		b.Unsubscribe(userID, conn)
	}
}

// Unsubscribe removes a connection; the user entry disappears with its
// last connection.
func (b *Broadcaster) Unsubscribe(userID string, conn Conn) {
	b.mu.Lock()
	removed := false
	if set, ok := b.conns[userID]; ok {
		if _, present := set[conn]; present {
			delete(set, conn)
			removed = true
			if len(set) == 0 {
				delete(b.conns, userID)
			}
		}
	}
	b.mu.Unlock()

	if removed && b.metrics != nil {
		b.metrics.DecrementConnections()
	}
}

// Emit serializes the event once and writes it to every open connection
// of the user. No connections is a silent no-op. A write failure on one
// connection never blocks delivery to its siblings; failed connections
// are pruned after the fan-out completes.
func (b *Broadcaster) Emit(userID string, eventType domain.EventType, payload any) {
	b.mu.Lock()
	set := b.conns[userID]
	if len(set) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]Conn, 0, len(set))
	for conn := range set {
		snapshot = append(snapshot, conn)
	}
	b.mu.Unlock()

	frame := encodeFrame(domain.NewEvent(eventType, payload))

	var dead []Conn
	for _, conn := range snapshot {
		if err := conn.Write(frame); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		b.Unsubscribe(userID, conn)
		if b.metrics != nil {
			b.metrics.RecordDeadConnection()
		}
	}
	if len(dead) > 0 {
		slog.Debug("pruned dead connections on emit",
			slog.String("user", userID),
			slog.Int("count", len(dead)))
	}
	if b.metrics != nil {
		b.metrics.RecordEventEmitted()
	}
}

// ConnectionCount reports the number of open connections for a user
func (b *Broadcaster) ConnectionCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[userID])
}

// Stop cancels the heartbeat and clears all registries. Idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})

	b.mu.Lock()
	cleared := 0
	for _, set := range b.conns {
		cleared += len(set)
	}
	b.conns = make(map[string]map[Conn]struct{})
	b.mu.Unlock()

	if b.metrics != nil {
		for i := 0; i < cleared; i++ {
			b.metrics.DecrementConnections()
		}
	}
}

// heartbeatLoop writes a keep-alive frame to every connection across all
// users, pruning dead ones like Emit does. The interval is re-read each
// round so retuning applies without restart; a non-positive tuned value
// pauses the loop until a later retune re-enables it.
func (b *Broadcaster) heartbeatLoop() {
	const recheck = time.Second
	for {
		interval := b.tuning.HeartbeatInterval()
		if interval <= 0 {
			select {
			case <-b.stop:
				return
			case <-time.After(recheck):
			}
			continue
		}
		select {
		case <-b.stop:
			return
		case <-time.After(interval):
			// The interval may have been retuned off while the timer ran
			if b.tuning.HeartbeatInterval() > 0 {
				b.beat()
			}
		}
	}
}

type userConn struct {
	userID string
	conn   Conn
}

func (b *Broadcaster) beat() {
	b.mu.Lock()
	snapshot := make([]userConn, 0)
	for userID, set := range b.conns {
		for conn := range set {
			snapshot = append(snapshot, userConn{userID, conn})
		}
	}
	b.mu.Unlock()

	var dead []userConn
	for _, uc := range snapshot {
		if err := uc.conn.Write(heartbeatFrame); err != nil {
			dead = append(dead, uc)
		}
	}
	for _, uc := range dead {
		b.Unsubscribe(uc.userID, uc.conn)
		if b.metrics != nil {
			b.metrics.RecordDeadConnection()
		}
	}
	if b.metrics != nil {
		b.metrics.RecordHeartbeat()
	}
}

// encodeFrame serializes an event as a server-sent-events data frame
func encodeFrame(ev domain.DomainEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		// Payloads are server-constructed; marshal failure means a
		// programming error. Log and ship a minimal envelope.
		slog.Error("event marshal failed",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err))
		data = []byte(`{"eventType":"` + string(ev.Type) + `"}`)
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}
