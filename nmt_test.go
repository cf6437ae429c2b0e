package canopen

import "testing"

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func newNMTForTest(t *testing.T, hbMs uint16, control uint32) (*NMT, *BusManager, *fakeWire) {
	t.Helper()
	wire := &fakeWire{}
	bm := newBusManager(wire)

	e1017 := NewVarEntry(0x1017, "producer heartbeat time", UNSIGNED16, ODA_SDO_RW, le16(hbMs))
	var e1f80 *Entry
	if control != 0 {
		e1f80 = NewVarEntry(0x1F80, "NMT startup", UNSIGNED32, ODA_SDO_RW, le32(control))
	}
	nmt, err := NewNMT(bm, nil, 5, e1017, e1f80)
	if err != nil {
		t.Fatalf("NewNMT: %v", err)
	}
	return nmt, bm, wire
}

func TestNMTBootstrapEntersPreOperationalByDefault(t *testing.T) {
	nmt, _, _ := newNMTForTest(t, 0, 0)
	if nmt.State() != NMTInitializing {
		t.Fatalf("expected NMTInitializing before first Process, got %v", nmt.State())
	}
	if got := nmt.Process(0, nil); got != NMTPreOperational {
		t.Fatalf("Process() = %v, want NMTPreOperational", got)
	}
}

func TestNMTBootstrapEntersOperationalWhenConfigured(t *testing.T) {
	nmt, _, _ := newNMTForTest(t, 0, startupToOperational)
	if got := nmt.Process(0, nil); got != NMTOperational {
		t.Fatalf("Process() = %v, want NMTOperational", got)
	}
}

func TestNMTHeartbeatSentAtConfiguredCadence(t *testing.T) {
	nmt, _, _ := newNMTForTest(t, 100, 0) // 100ms -> 100000us
	nmt.Process(0, nil)                   // bootstrap: sends bootup heartbeat

	hbCount := 0
	nmt.bus.Subscribe(uint32(hbBaseID)+uint32(nmt.nodeId), 0x7FF, false, frameHandlerFunc(func(Frame) { hbCount++ }))

	nmt.Process(50000, nil)
	if hbCount != 0 {
		t.Fatalf("expected no heartbeat before period elapses, got %d", hbCount)
	}
	nmt.Process(60000, nil)
	if hbCount != 1 {
		t.Fatalf("expected 1 heartbeat once period elapses, got %d", hbCount)
	}
}

func TestNMTHandleBroadcastEnterOperational(t *testing.T) {
	nmt, bm, _ := newNMTForTest(t, 0, 0)
	nmt.Process(0, nil) // -> PreOperational

	bm.Send(NewFrame(uint32(nmtServiceID), 2, []byte{byte(NMTCmdEnterOperational), 0}))
	state := nmt.Process(0, nil)
	if state != NMTOperational {
		t.Fatalf("expected broadcast EnterOperational to transition node, got %v", state)
	}
}

func TestNMTHandleIgnoresCommandsForOtherNodes(t *testing.T) {
	nmt, bm, _ := newNMTForTest(t, 0, 0)
	nmt.Process(0, nil) // -> PreOperational

	bm.Send(NewFrame(uint32(nmtServiceID), 2, []byte{byte(NMTCmdEnterOperational), 9}))
	state := nmt.Process(0, nil)
	if state != NMTPreOperational {
		t.Fatalf("expected command addressed to a different node to be ignored, got %v", state)
	}
}

func TestNMTResetNodeSetsPendingResetAndClearsOnRead(t *testing.T) {
	nmt, bm, _ := newNMTForTest(t, 0, 0)
	nmt.Process(0, nil)

	bm.Send(NewFrame(uint32(nmtServiceID), 2, []byte{byte(NMTCmdResetNode), 0}))
	nmt.Process(0, nil)

	if got := nmt.PendingReset(); got != NMTResetApp {
		t.Fatalf("PendingReset() = %v, want NMTResetApp", got)
	}
	if got := nmt.PendingReset(); got != NMTResetNone {
		t.Fatalf("PendingReset() should clear after being read, got %v", got)
	}
}

func TestNMTStateChangeCallbackFires(t *testing.T) {
	nmt, _, _ := newNMTForTest(t, 0, 0)
	var seen []NMTState
	nmt.AddStateChangeCallback(func(s NMTState) { seen = append(seen, s) })

	nmt.Process(0, nil)
	if len(seen) != 1 || seen[0] != NMTPreOperational {
		t.Fatalf("expected one callback invocation with NMTPreOperational, got %v", seen)
	}
}

func TestWriteEntry1017ReconfiguresHeartbeatPeriod(t *testing.T) {
	nmt, _, _ := newNMTForTest(t, 100, 0)
	nmt.Process(0, nil)

	e1017 := NewVarEntry(0x1017, "producer heartbeat time", UNSIGNED16, ODA_SDO_RW, le16(100))
	e1017.AddExtension(&Extension{Object: nmt, Read: readEntryDefault, Write: writeEntry1017})
	st, ret := newStreamer(e1017, 0, false)
	if ret != ODR_OK {
		t.Fatalf("newStreamer: %v", ret)
	}
	_, ret = st.Write(le16(50))
	if ret != ODR_OK {
		t.Fatalf("write 0x1017: %v", ret)
	}
	if nmt.hbProducerTimeUs != 50000 {
		t.Fatalf("hbProducerTimeUs = %d, want 50000", nmt.hbProducerTimeUs)
	}
}
