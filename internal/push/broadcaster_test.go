package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
)

// fakeConn records everything written to it and can be told to fail
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (f *fakeConn) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeConn) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func quietTuning(heartbeatSec int) *infra.Tuning {
	v := infra.DefaultTuningValues()
	v.HeartbeatIntervalSec = heartbeatSec
	return infra.NewTuning(v)
}

func decodeFrame(t *testing.T, frame []byte) domain.DomainEvent {
	t.Helper()
	if !bytes.HasPrefix(frame, []byte("data: ")) || !bytes.HasSuffix(frame, []byte("\n\n")) {
		t.Fatalf("malformed frame: %q", frame)
	}
	var ev domain.DomainEvent
	if err := json.Unmarshal(bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n")), &ev); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return ev
}

func TestBroadcaster_SubscribeSendsAck(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	conn := &fakeConn{}
	b.Subscribe("user-1", conn)

	if conn.frameCount() != 1 {
		t.Fatalf("expected 1 ack frame, got %d", conn.frameCount())
	}

	ev := decodeFrame(t, conn.lastFrame())
	if ev.Type != domain.EventConnected {
		t.Errorf("expected connected ack, got %s", ev.Type)
	}
	payload := ev.Payload.(map[string]any)
	if payload["userId"] != "user-1" {
		t.Errorf("ack must carry the user id, got %v", payload)
	}
	if ev.Timestamp == 0 {
		t.Error("ack must carry a timestamp")
	}
}

func TestBroadcaster_EmitNoConnectionsIsNoop(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	// Must not panic or error
	b.Emit("ghost", domain.EventOrderPlaced, map[string]string{"id": "o1"})
}

func TestBroadcaster_EmitFansOutToAllConnections(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	other := &fakeConn{}
	b.Subscribe("user-1", conn1)
	b.Subscribe("user-1", conn2)
	b.Subscribe("user-2", other)

	b.Emit("user-1", domain.EventOrderExecuted, map[string]string{"order_id": "o1", "fill_price": "101.5"})

	if conn1.frameCount() != 2 || conn2.frameCount() != 2 {
		t.Fatalf("both connections must receive the event: %d/%d", conn1.frameCount(), conn2.frameCount())
	}
	// Serialized once: byte-identical frames
	if !bytes.Equal(conn1.lastFrame(), conn2.lastFrame()) {
		t.Error("sibling connections must receive identical serialized frames")
	}
	// Other users are not involved
	if other.frameCount() != 1 {
		t.Errorf("unrelated user received the event: %d frames", other.frameCount())
	}

	ev := decodeFrame(t, conn1.lastFrame())
	if ev.Type != domain.EventOrderExecuted {
		t.Errorf("expected order_executed, got %s", ev.Type)
	}
}

func TestBroadcaster_DeadConnectionPrunedSiblingsUnaffected(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	healthy := &fakeConn{}
	dead := &fakeConn{}
	b.Subscribe("user-1", healthy)
	b.Subscribe("user-1", dead)
	dead.setFail(true)

	b.Emit("user-1", domain.EventBalanceUpdated, map[string]string{"balance": "100"})

	if healthy.frameCount() != 2 {
		t.Error("healthy sibling must still receive the event")
	}
	if b.ConnectionCount("user-1") != 1 {
		t.Errorf("dead connection must be pruned, have %d", b.ConnectionCount("user-1"))
	}

	// Subsequent emits only reach the survivor
	b.Emit("user-1", domain.EventBalanceUpdated, nil)
	if healthy.frameCount() != 3 {
		t.Error("survivor must keep receiving events")
	}
}

func TestBroadcaster_UnsubscribeRemovesEmptyUserEntry(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	conn := &fakeConn{}
	b.Subscribe("user-1", conn)
	b.Unsubscribe("user-1", conn)

	if b.ConnectionCount("user-1") != 0 {
		t.Error("expected 0 connections after unsubscribe")
	}

	// Double unsubscribe is harmless
	b.Unsubscribe("user-1", conn)
}

func TestBroadcaster_DeliveryOrderPerConnection(t *testing.T) {
	b := New(quietTuning(-1), nil)
	defer b.Stop()

	conn := &fakeConn{}
	b.Subscribe("user-1", conn)

	for i := 0; i < 20; i++ {
		b.Emit("user-1", domain.EventPositionUpdated, map[string]int{"seq": i})
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	// Skip the ack frame
	for i, frame := range conn.frames[1:] {
		var ev struct {
			Payload struct {
				Seq int `json:"seq"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("data: ")), []byte("\n\n")), &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if ev.Payload.Seq != i {
			t.Fatalf("frame %d carries seq %d: delivery reordered", i, ev.Payload.Seq)
		}
	}
}

func TestBroadcaster_HeartbeatPrunesDeadConnections(t *testing.T) {
	v := infra.DefaultTuningValues()
	v.HeartbeatIntervalSec = 1
	b := New(infra.NewTuning(v), nil)
	defer b.Stop()

	healthy := &fakeConn{}
	dead := &fakeConn{}
	b.Subscribe("user-1", healthy)
	b.Subscribe("user-2", dead)
	dead.setFail(true)

	deadline := time.Now().Add(3 * time.Second)
	for b.ConnectionCount("user-2") != 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if b.ConnectionCount("user-2") != 0 {
		t.Fatal("heartbeat should prune the dead connection")
	}
	if b.ConnectionCount("user-1") != 1 {
		t.Error("healthy connection must survive heartbeats")
	}

	// Heartbeats are comment frames, not events
	healthy.mu.Lock()
	sawHeartbeat := false
	for _, frame := range healthy.frames[1:] {
		if strings.HasPrefix(string(frame), ": ") {
			sawHeartbeat = true
		}
	}
	healthy.mu.Unlock()
	if !sawHeartbeat {
		t.Error("expected at least one heartbeat frame")
	}
}

func TestBroadcaster_HeartbeatRetunedOffGoesSilent(t *testing.T) {
	v := infra.DefaultTuningValues()
	v.HeartbeatIntervalSec = 1
	tuning := infra.NewTuning(v)
	b := New(tuning, nil)
	defer b.Stop()

	conn := &fakeConn{}
	b.Subscribe("user-1", conn)

	// Retune heartbeats off before the first round fires
	tuning.Apply(infra.TuningValues{HeartbeatIntervalSec: -1})
	time.Sleep(1500 * time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, frame := range conn.frames[1:] {
		if strings.HasPrefix(string(frame), ": ") {
			t.Fatal("heartbeat fired after the interval was tuned off")
		}
	}
}

func TestBroadcaster_StopIsIdempotent(t *testing.T) {
	b := New(quietTuning(1), nil)

	conn := &fakeConn{}
	b.Subscribe("user-1", conn)

	b.Stop()
	b.Stop()

	if b.ConnectionCount("user-1") != 0 {
		t.Error("Stop must clear all registries")
	}

	// Emitting after Stop is a no-op
	b.Emit("user-1", domain.EventOrderPlaced, nil)
	if conn.frameCount() != 1 {
		t.Error("no delivery after Stop")
	}
}

func TestSSEConn_FrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	conn, err := NewSSEConn(rec)
	if err != nil {
		t.Fatalf("NewSSEConn failed: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	frame := encodeFrame(domain.NewEvent(domain.EventOrderPlaced, map[string]string{"id": "o1"}))
	if err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE framing broken: %q", body)
	}
	if !strings.Contains(body, `"eventType":"order_placed"`) {
		t.Errorf("frame payload missing event type: %q", body)
	}
}

func TestSSEConn_WriteAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	conn, err := NewSSEConn(rec)
	if err != nil {
		t.Fatalf("NewSSEConn failed: %v", err)
	}
	conn.Close()

	before := rec.Body.Len()
	if err := conn.Write([]byte(": heartbeat\n\n")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if rec.Body.Len() != before {
		t.Error("closed conn must not touch the response writer")
	}
}
