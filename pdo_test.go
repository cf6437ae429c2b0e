package canopen

import "testing"

// pdoMapWord packs a CiA 301 §7.2.1 PDO mapping entry: index, subindex and
// bit length into the wire layout configureMap decodes.
func pdoMapWord(index uint16, subIndex uint8, bitLength uint8) []byte {
	v := uint32(index)<<16 | uint32(subIndex)<<8 | uint32(bitLength)
	return le32(v)
}

func newRPDOForTest(t *testing.T, od *ObjectDictionary, emcy *EMCY, sync *Sync, bm *BusManager, cobId uint32, mappedIndex uint16) *RPDO {
	t.Helper()
	entry1400 := NewRecordEntry(0x1400, "RPDO comm", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{2}},
		{Name: "COB-ID", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: le32(cobId)},
		{Name: "transmission type", DataType: UNSIGNED8, Attribute: ODA_SDO_RW, data: []byte{TransmissionSyncAcyclic}},
	})
	entry1600 := NewRecordEntry(0x1600, "RPDO map", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{1}},
		{Name: "map0", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: pdoMapWord(mappedIndex, 0, 32)},
	})

	rpdo, err := NewRPDO(bm, od, emcy, sync, entry1400, entry1600, 0x200)
	if err != nil {
		t.Fatalf("NewRPDO: %v", err)
	}
	return rpdo
}

func TestConfigureMapResolvesOrdinaryVariable(t *testing.T) {
	od := NewObjectDictionary()
	target := NewVarEntry(0x2001, "target", UNSIGNED32, ODA_SDO_RW|ODA_RPDO, []byte{0, 0, 0, 0})
	od.AddEntry(target)

	base := &pdoBase{od: od, isRPDO: true}
	if err := base.configureMap(pdoU32(pdoMapWord(0x2001, 0, 32)), 0); err != nil {
		t.Fatalf("configureMap: %v", err)
	}
	if base.mapped[0].length != 4 {
		t.Fatalf("mapped length = %d, want 4", base.mapped[0].length)
	}
}

func pdoU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestConfigureMapRejectsUnmappableAttribute(t *testing.T) {
	od := NewObjectDictionary()
	// No ODA_RPDO bit: not writable by an RPDO.
	target := NewVarEntry(0x2002, "target", UNSIGNED32, ODA_SDO_RW, []byte{0, 0, 0, 0})
	od.AddEntry(target)

	base := &pdoBase{od: od, isRPDO: true}
	err := base.configureMap(pdoU32(pdoMapWord(0x2002, 0, 32)), 0)
	if err != ODR_NO_MAP {
		t.Fatalf("configureMap err = %v, want ODR_NO_MAP", err)
	}
}

func TestConfigureCobIdRejectsExtendedAndInvalidatesOnZero(t *testing.T) {
	base := &pdoBase{nbMapped: 1}
	// Bit 31 set (PDO disabled) must be rejected as valid.
	canId := base.configureCobId(0x80000200)
	if base.valid {
		t.Fatalf("expected invalid PDO when bit 31 is set")
	}
	if canId != 0 {
		t.Fatalf("canId = x%x, want 0 for an invalid COB-ID", canId)
	}

	// Bit 29 set (29-bit extended identifier) is rejected as well.
	canId = base.configureCobId(0x20000200)
	if base.valid || canId != 0 {
		t.Fatalf("expected invalid PDO for an extended COB-ID, got valid=%v canId=x%x", base.valid, canId)
	}

	canId = base.configureCobId(0x200)
	if !base.valid || canId != 0x200 {
		t.Fatalf("expected valid PDO at COB-ID 0x200, got valid=%v canId=x%x", base.valid, canId)
	}
}

func TestRPDOHandleAndProcessCopyToOD(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := NewObjectDictionary()

	target := NewVarEntry(0x2001, "target", UNSIGNED32, ODA_SDO_RW|ODA_RPDO, []byte{0, 0, 0, 0})
	od.AddEntry(target)

	e1001 := NewVarEntry(0x1001, "error register", UNSIGNED8, ODA_SDO_R, []byte{0})
	e1014 := NewVarEntry(0x1014, "COB-ID EMCY", UNSIGNED32, ODA_SDO_RW, le32(uint32(emcyServiceID)))
	e1003 := NewArrayEntry(0x1003, "pre-defined error field", UNSIGNED32, ODA_SDO_RW, 4, 4)
	emcy, err := NewEMCY(bm, 5, e1001, e1014, nil, e1003, nil)
	if err != nil {
		t.Fatalf("NewEMCY: %v", err)
	}

	rpdo := newRPDOForTest(t, od, emcy, nil, bm, 0x201, 0x2001)
	if !rpdo.pdo.valid {
		t.Fatalf("expected RPDO to be valid after construction")
	}

	rpdo.Handle(NewFrame(0x201, 4, []byte{0xAA, 0xBB, 0xCC, 0xDD}))
	rpdo.Process(true, true)

	var got uint32
	target.GetUint32(0, &got)
	if got != 0xDDCCBBAA {
		t.Fatalf("target value = x%08x, want x%08x", got, 0xDDCCBBAA)
	}
}

func TestRPDOHandleIgnoresWrongLengthFrame(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := NewObjectDictionary()
	target := NewVarEntry(0x2001, "target", UNSIGNED32, ODA_SDO_RW|ODA_RPDO, []byte{1, 2, 3, 4})
	od.AddEntry(target)

	e1001 := NewVarEntry(0x1001, "error register", UNSIGNED8, ODA_SDO_R, []byte{0})
	e1014 := NewVarEntry(0x1014, "COB-ID EMCY", UNSIGNED32, ODA_SDO_RW, le32(uint32(emcyServiceID)))
	e1003 := NewArrayEntry(0x1003, "pre-defined error field", UNSIGNED32, ODA_SDO_RW, 4, 4)
	emcy, _ := NewEMCY(bm, 5, e1001, e1014, nil, e1003, nil)

	rpdo := newRPDOForTest(t, od, emcy, nil, bm, 0x201, 0x2001)
	rpdo.Handle(NewFrame(0x201, 2, []byte{0xFF, 0xFF})) // too short
	rpdo.Process(true, true)

	var got uint32
	target.GetUint32(0, &got)
	if got != 0x04030201 {
		t.Fatalf("target should be unchanged by a short frame, got x%08x", got)
	}
}

func TestTPDOSendsEventDrivenOnRequest(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := NewObjectDictionary()

	source := NewVarEntry(0x2002, "source", UNSIGNED32, ODA_SDO_RW|ODA_TPDO, []byte{1, 2, 3, 4})
	od.AddEntry(source)

	entry1800 := NewRecordEntry(0x1800, "TPDO comm", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{2}},
		{Name: "COB-ID", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: le32(0x301)},
		{Name: "transmission type", DataType: UNSIGNED8, Attribute: ODA_SDO_RW, data: []byte{TransmissionSyncEvent1}},
	})
	entry1A00 := NewRecordEntry(0x1A00, "TPDO map", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{1}},
		{Name: "map0", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: pdoMapWord(0x2002, 0, 32)},
	})

	e1001 := NewVarEntry(0x1001, "error register", UNSIGNED8, ODA_SDO_R, []byte{0})
	e1014 := NewVarEntry(0x1014, "COB-ID EMCY", UNSIGNED32, ODA_SDO_RW, le32(uint32(emcyServiceID)))
	e1003 := NewArrayEntry(0x1003, "pre-defined error field", UNSIGNED32, ODA_SDO_RW, 4, 4)
	emcy, _ := NewEMCY(bm, 5, e1001, e1014, nil, e1003, nil)

	tpdo, err := NewTPDO(bm, od, emcy, nil, entry1800, entry1A00, 0x300)
	if err != nil {
		t.Fatalf("NewTPDO: %v", err)
	}

	var sent Frame
	count := 0
	bm.Subscribe(0x301, 0x7FF, false, frameHandlerFunc(func(f Frame) { sent = f; count++ }))

	tpdo.RequestSend()
	tpdo.Process(true, false, 0, nil)

	if count != 1 {
		t.Fatalf("expected exactly 1 TPDO transmission, got %d", count)
	}
	if sent.DLC != 4 || sent.Data[0] != 1 || sent.Data[3] != 4 {
		t.Fatalf("unexpected TPDO payload: %+v", sent)
	}
}

func TestTPDOAcyclicDoesNotSendWithoutRequest(t *testing.T) {
	wire := &fakeWire{}
	bm := newBusManager(wire)
	od := NewObjectDictionary()
	source := NewVarEntry(0x2002, "source", UNSIGNED32, ODA_SDO_RW|ODA_TPDO, []byte{0, 0, 0, 0})
	od.AddEntry(source)

	entry1800 := NewRecordEntry(0x1800, "TPDO comm", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{2}},
		{Name: "COB-ID", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: le32(0x302)},
		{Name: "transmission type", DataType: UNSIGNED8, Attribute: ODA_SDO_RW, data: []byte{TransmissionSyncAcyclic}},
	})
	entry1A00 := NewRecordEntry(0x1A00, "TPDO map", []Variable{
		{Name: "count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{1}},
		{Name: "map0", DataType: UNSIGNED32, Attribute: ODA_SDO_RW, data: pdoMapWord(0x2002, 0, 32)},
	})

	e1001 := NewVarEntry(0x1001, "error register", UNSIGNED8, ODA_SDO_R, []byte{0})
	e1014 := NewVarEntry(0x1014, "COB-ID EMCY", UNSIGNED32, ODA_SDO_RW, le32(uint32(emcyServiceID)))
	e1003 := NewArrayEntry(0x1003, "pre-defined error field", UNSIGNED32, ODA_SDO_RW, 4, 4)
	emcy, _ := NewEMCY(bm, 5, e1001, e1014, nil, e1003, nil)

	tpdo, err := NewTPDO(bm, od, emcy, nil, entry1800, entry1A00, 0x300)
	if err != nil {
		t.Fatalf("NewTPDO: %v", err)
	}

	count := 0
	bm.Subscribe(0x302, 0x7FF, false, frameHandlerFunc(func(Frame) { count++ }))

	// syncWas=true but no RequestSend: an acyclic synchronous TPDO only
	// transmits when the application has asked for it.
	tpdo.Process(true, true, 0, nil)
	if count != 0 {
		t.Fatalf("expected no transmission without a prior RequestSend, got %d", count)
	}

	tpdo.RequestSend()
	tpdo.Process(true, true, 0, nil)
	if count != 1 {
		t.Fatalf("expected 1 transmission once requested on a SYNC boundary, got %d", count)
	}
}
