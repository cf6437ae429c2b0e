package canopen

import (
	"sync"

	can "github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

// Frame is the CAN-agnostic 8-byte CANopen frame used throughout this
// module. It mirrors github.com/brutella/can.Frame in shape so the
// conversion at the BusManager boundary is a straight field copy.
type Frame struct {
	ID  uint32
	DLC uint8
	Data [8]byte
}

// NewFrame builds a Frame with data truncated/zero-padded to 8 bytes.
func NewFrame(id uint32, dlc uint8, data []byte) Frame {
	f := Frame{ID: id, DLC: dlc}
	copy(f.Data[:], data)
	return f
}

// FrameHandler is implemented by every protocol engine that owns a COB-ID
// range (SDO server/client, NMT, SYNC, RPDO, EMCY consumer...). Handle is
// invoked on the bus's receive goroutine, so implementations must not block.
type FrameHandler interface {
	Handle(frame Frame)
}

// canTransport is the narrow slice of brutella/can.Bus's API the BusManager
// needs. Depending on this interface rather than *can.Bus directly follows
// samsamfire-gocanopen's own pkg/can.Bus split (virtual/socketcan/kvaser
// backends behind one interface) and lets tests substitute an in-memory
// transport instead of a real SocketCAN interface.
type canTransport interface {
	Publish(frm can.Frame) error
	SubscribeFunc(f func(can.Frame))
}

// BusManager is the single point of contact with the physical/virtual CAN
// bus. It owns the CAN transport connection, demultiplexes incoming frames
// to the subscriber registered for their COB-ID, and serializes
// transmission. CANopenNode's C stack calls this role "CO_CANmodule"; this
// is that role's Go counterpart, adapted to brutella/can's handler-func
// API (which delivers every frame on the bus rather than letting callers
// install hardware-level acceptance filters).
type BusManager struct {
	bus canTransport

	mu      sync.RWMutex
	subs    map[uint32]FrameHandler
	sendMu  sync.Mutex
	txCount uint32
	rxCount uint32
}

// NewBusManager wraps an already-constructed brutella/can.Bus (typically
// from can.NewBusForInterfaceWithName("can0")) and wires its dispatch
// handler. Callers must still call bus.ConnectAndPublish() themselves; this
// split matches brutella/can's own API and lets callers choose when the
// receive loop starts relative to OD/engine setup.
func NewBusManager(bus *can.Bus) *BusManager {
	return newBusManager(bus)
}

// newBusManager is the transport-agnostic constructor shared by
// NewBusManager and test code wiring up an in-memory canTransport.
func newBusManager(bus canTransport) *BusManager {
	bm := &BusManager{bus: bus, subs: make(map[uint32]FrameHandler)}
	bus.SubscribeFunc(bm.dispatch)
	return bm
}

func (bm *BusManager) dispatch(frm can.Frame) {
	bm.mu.RLock()
	handler, ok := bm.subs[frm.ID]
	bm.mu.RUnlock()
	if !ok {
		return
	}
	bm.rxCount++
	handler.Handle(Frame{ID: frm.ID, DLC: frm.Length, Data: frm.Data})
}

// Subscribe registers handler to receive every frame whose ID equals id.
// id==0 is a legitimate COB-ID (the NMT broadcast command channel), so it
// is registered like any other. Masked acceptance filtering is left to the
// hardware/SocketCAN layer in real deployments; brutella/can does not
// expose per-filter registration, so mask is accepted for interface parity
// with the teacher stack but otherwise unused. Re-subscribing the same id
// replaces the previous handler, matching the SDO server's behavior when
// its COB-IDs are reconfigured at runtime.
func (bm *BusManager) Subscribe(id uint32, mask uint32, rtr bool, handler FrameHandler) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.subs[id] = handler
	return nil
}

// Unsubscribe removes any handler registered for id.
func (bm *BusManager) Unsubscribe(id uint32) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.subs, id)
}

// Send transmits frame on the bus.
func (bm *BusManager) Send(frame Frame) error {
	bm.sendMu.Lock()
	defer bm.sendMu.Unlock()
	err := bm.bus.Publish(can.Frame{ID: frame.ID, Length: frame.DLC, Data: frame.Data})
	if err != nil {
		log.Warnf("[BUS][TX] publish failed for COB-ID x%x: %v", frame.ID, err)
		return err
	}
	bm.txCount++
	return nil
}
