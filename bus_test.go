package canopen

import (
	"sync"
	"testing"

	can "github.com/brutella/can"
)

// fakeWire is an in-memory canTransport standing in for a real SocketCAN
// connection in tests: Publish fans a frame out to every subscriber
// registered so far, mirroring a physical CAN bus where every attached node
// (including the transmitter) observes every frame. Multiple BusManagers
// sharing one *fakeWire simulate a multi-node network without a real
// interface or external virtual-CAN server.
type fakeWire struct {
	mu   sync.Mutex
	subs []func(can.Frame)
}

func (w *fakeWire) Publish(f can.Frame) error {
	w.mu.Lock()
	subs := append([]func(can.Frame){}, w.subs...)
	w.mu.Unlock()
	for _, s := range subs {
		s(f)
	}
	return nil
}

func (w *fakeWire) SubscribeFunc(f func(can.Frame)) {
	w.mu.Lock()
	w.subs = append(w.subs, f)
	w.mu.Unlock()
}

// frameHandlerFunc adapts a plain function to the FrameHandler interface.
type frameHandlerFunc func(Frame)

func (f frameHandlerFunc) Handle(frame Frame) { f(frame) }

func TestBusManagerDispatchAndUnsubscribe(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	var got Frame
	calls := 0
	if err := bm.Subscribe(0x123, 0x7FF, false, frameHandlerFunc(func(f Frame) {
		got = f
		calls++
	})); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bm.Send(NewFrame(0x123, 4, []byte{1, 2, 3, 4})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 dispatch, got %d", calls)
	}
	if got.ID != 0x123 || got.DLC != 4 || got.Data[0] != 1 {
		t.Fatalf("unexpected frame: %+v", got)
	}

	bm.Unsubscribe(0x123)
	if err := bm.Send(NewFrame(0x123, 1, []byte{9})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no further dispatch after Unsubscribe, got %d calls", calls)
	}
}

func TestBusManagerIgnoresFramesWithNoSubscriber(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	if err := bm.Send(NewFrame(0x999, 0, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestBusManagerBroadcastsToEveryNodeOnSharedWire(t *testing.T) {
	wire := &fakeWire{}
	bmA := newBusManager(wire)
	bmB := newBusManager(wire)

	seenByB := 0
	bmB.Subscribe(0x555, 0x7FF, false, frameHandlerFunc(func(Frame) { seenByB++ }))

	if err := bmA.Send(NewFrame(0x555, 0, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seenByB != 1 {
		t.Fatalf("expected node B to observe node A's frame, got %d", seenByB)
	}
}
