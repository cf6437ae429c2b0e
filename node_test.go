package canopen

import "testing"

func newODForNodeTest() *ObjectDictionary {
	od := NewObjectDictionary()
	od.AddEntry(NewVarEntry(0x1001, "error register", UNSIGNED8, ODA_SDO_R, []byte{0}))
	od.AddEntry(NewVarEntry(0x1014, "COB-ID EMCY", UNSIGNED32, ODA_SDO_RW, le32(uint32(emcyServiceID))))
	od.AddEntry(NewArrayEntry(0x1003, "pre-defined error field", UNSIGNED32, ODA_SDO_RW, 4, 4))
	od.AddEntry(NewVarEntry(0x1017, "producer heartbeat time", UNSIGNED16, ODA_SDO_RW, le16(100)))
	return od
}

func TestNewNodeComposesEveryEngine(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := newODForNodeTest()

	node, err := NewNode(bm, od, NodeConfig{NodeId: 9})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if node.SDOServer == nil || node.SDOClient == nil || node.NMT == nil || node.EMCY == nil {
		t.Fatalf("expected the mandatory engines to be constructed")
	}
	if node.Sync != nil {
		t.Fatalf("expected no SYNC engine without 0x1005/0x1006/0x1007")
	}
	if len(node.RPDOs) != 0 || len(node.TPDOs) != 0 {
		t.Fatalf("expected no PDOs without 0x14xx/0x16xx or 0x18xx/0x1Axx entries")
	}
	if node.Gateway == nil {
		t.Fatalf("expected the gateway to always be constructed")
	}
}

func TestNewNodeRejectsInvalidNodeId(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := newODForNodeTest()

	if _, err := NewNode(bm, od, NodeConfig{NodeId: 0}); err == nil {
		t.Fatalf("expected an error constructing a Node with node id 0")
	}
	if _, err := NewNode(bm, od, NodeConfig{NodeId: 128}); err == nil {
		t.Fatalf("expected an error constructing a Node with node id 128")
	}
}

func TestNewNodeRequiresEMCYEntries(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := NewObjectDictionary()
	od.AddEntry(NewVarEntry(0x1017, "producer heartbeat time", UNSIGNED16, ODA_SDO_RW, le16(100)))

	if _, err := NewNode(bm, od, NodeConfig{NodeId: 1}); err == nil {
		t.Fatalf("expected an error when 0x1001/0x1003/0x1014 are missing")
	}
}

func TestNodeProcessAdvancesNMTAndReturnsATimerHint(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := newODForNodeTest()

	node, err := NewNode(bm, od, NodeConfig{NodeId: 9})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	timerNextUs := node.Process(1000, nil)
	if node.NMT.State() != NMTPreOperational {
		t.Fatalf("state after first Process = %v, want NMTPreOperational", node.NMT.State())
	}
	if timerNextUs == ^uint32(0) {
		t.Fatalf("expected Process to tighten the timer hint below its initial sentinel")
	}
}
