package canopen

import "testing"

func newSyncEntries(cobId uint32, periodUs, windowUs uint32) (*Entry, *Entry, *Entry) {
	e1005 := NewVarEntry(0x1005, "COB-ID SYNC", UNSIGNED32, ODA_SDO_RW, le32(cobId))
	e1006 := NewVarEntry(0x1006, "communication cycle period", UNSIGNED32, ODA_SDO_RW, le32(periodUs))
	e1007 := NewVarEntry(0x1007, "synchronous window length", UNSIGNED32, ODA_SDO_RW, le32(windowUs))
	return e1005, e1006, e1007
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestSyncProducerSendsAtConfiguredPeriod(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1005, e1006, e1007 := newSyncEntries(0x40000080, 1000, 0)
	s, err := NewSync(bm, nil, e1005, e1006, e1007, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	if !s.isProducer {
		t.Fatalf("expected producer mode with COB-ID bit 30 set")
	}

	seen := 0
	bm.Subscribe(0x080, 0x7FF, false, frameHandlerFunc(func(f Frame) { seen++ }))

	// Not yet at the period: no frame sent.
	if ev := s.Process(true, 500, nil); ev != SyncEventNone {
		t.Fatalf("expected SyncEventNone before period elapses, got %v", ev)
	}
	if seen != 0 {
		t.Fatalf("expected no SYNC frame sent yet, got %d", seen)
	}

	// Crossing the period triggers a send.
	if ev := s.Process(true, 600, nil); ev != SyncEventRxOrTx {
		t.Fatalf("expected SyncEventRxOrTx once period elapses, got %v", ev)
	}
	if seen != 1 {
		t.Fatalf("expected exactly 1 SYNC frame, got %d", seen)
	}
}

func TestSyncConsumerHandleUpdatesCounterAndToggle(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1005, e1006, e1007 := newSyncEntries(0x080, 0, 0)
	e1019 := NewVarEntry(0x1019, "sync counter overflow", UNSIGNED8, ODA_SDO_RW, []byte{10})
	s, err := NewSync(bm, nil, e1005, e1006, e1007, e1019)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	if s.isProducer {
		t.Fatalf("expected consumer mode with bit 30 clear")
	}
	if s.counterOverflow != 10 {
		t.Fatalf("counterOverflow = %d, want 10", s.counterOverflow)
	}

	startToggle := s.RxToggle()
	s.Handle(NewFrame(0x080, 1, []byte{5}))
	if s.Counter() != 5 {
		t.Fatalf("Counter() = %d, want 5", s.Counter())
	}

	// Handle flipped rxToggle on the accepted SYNC; Process consumes the
	// latched reception.
	s.Process(true, 0, nil)
	if s.RxToggle() == startToggle {
		t.Fatalf("expected RxToggle to flip after a received SYNC")
	}
}

func TestSyncWindowClosesAfterConfiguredLength(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1005, e1006, e1007 := newSyncEntries(0x080, 0, 100)
	s, err := NewSync(bm, nil, e1005, e1006, e1007, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}

	if !s.WindowOpen() {
		t.Fatalf("expected window open initially")
	}
	if ev := s.Process(true, 50, nil); ev != SyncEventNone {
		t.Fatalf("expected no window event yet, got %v", ev)
	}
	if !s.WindowOpen() {
		t.Fatalf("expected window still open at 50us of a 100us window")
	}

	if ev := s.Process(true, 100, nil); ev != SyncEventPassedWindow {
		t.Fatalf("expected SyncEventPassedWindow once the window elapses, got %v", ev)
	}
	if s.WindowOpen() {
		t.Fatalf("expected window closed after passing 0x1007")
	}
}

func TestSyncProcessResetsWhenNotPreOrOperational(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1005, e1006, e1007 := newSyncEntries(0x080, 0, 0)
	e1019 := NewVarEntry(0x1019, "sync counter overflow", UNSIGNED8, ODA_SDO_RW, []byte{10})
	s, err := NewSync(bm, nil, e1005, e1006, e1007, e1019)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}

	s.Handle(NewFrame(0x080, 1, []byte{7}))
	if s.Counter() != 7 {
		t.Fatalf("Counter() = %d, want 7", s.Counter())
	}

	if ev := s.Process(false, 0, nil); ev != SyncEventNone {
		t.Fatalf("expected SyncEventNone while not pre/operational, got %v", ev)
	}
	if s.Counter() != 0 {
		t.Fatalf("expected counter reset to 0 while stopped, got %d", s.Counter())
	}
}

func TestWriteEntry1006UpdatesPeriodAndResetsTimer(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1005, e1006, e1007 := newSyncEntries(0x40000080, 1000, 0)
	s, err := NewSync(bm, nil, e1005, e1006, e1007, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}

	s.timer = 500
	st, ret := newStreamer(e1006, 0, false)
	if ret != ODR_OK {
		t.Fatalf("newStreamer: %v", ret)
	}
	_, ret = st.Write(le32(2000))
	if ret != ODR_OK {
		t.Fatalf("write 0x1006: %v", ret)
	}
	if s.communicationCyclePeriodUs != 2000 {
		t.Fatalf("communicationCyclePeriodUs = %d, want 2000", s.communicationCyclePeriodUs)
	}
	if s.timer != 0 {
		t.Fatalf("timer = %d, want 0 after writing 0x1006", s.timer)
	}
}
