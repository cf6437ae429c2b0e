package canopen

import "testing"

func TestParseEDSBuildsVarEntries(t *testing.T) {
	od, err := ParseEDS("testdata/sample.eds", 5)
	if err != nil {
		t.Fatalf("ParseEDS: %v", err)
	}

	e1000 := od.Find(0x1000)
	if e1000 == nil {
		t.Fatalf("expected entry 0x1000")
	}
	var deviceType uint32
	if ret := e1000.GetUint32(0, &deviceType); ret != ODR_OK {
		t.Fatalf("GetUint32(0x1000): %v", ret)
	}
	if deviceType != 0x00020192 {
		t.Fatalf("device type = x%08x, want x00020192", deviceType)
	}
	if e1000.Variables[0].Attribute&ODA_SDO_W != 0 {
		t.Fatalf("expected 0x1000 to be read-only")
	}
}

func TestParseEDSNodeIDRelativeDefault(t *testing.T) {
	od, err := ParseEDS("testdata/sample.eds", 5)
	if err != nil {
		t.Fatalf("ParseEDS: %v", err)
	}

	e2000 := od.Find(0x2000)
	if e2000 == nil {
		t.Fatalf("expected entry 0x2000")
	}
	var v uint32
	if ret := e2000.GetUint32(0, &v); ret != ODR_OK {
		t.Fatalf("GetUint32(0x2000): %v", ret)
	}
	if v != 0x605 {
		t.Fatalf("0x2000 value = x%x, want x605 (0x600 + node id 5)", v)
	}
}

func TestParseEDSArrayEntrySubindexes(t *testing.T) {
	od, err := ParseEDS("testdata/sample.eds", 1)
	if err != nil {
		t.Fatalf("ParseEDS: %v", err)
	}

	e1018 := od.Find(0x1018)
	if e1018 == nil {
		t.Fatalf("expected entry 0x1018")
	}
	if e1018.ObjectType != ObjectArray {
		t.Fatalf("0x1018 ObjectType = %v, want ObjectArray", e1018.ObjectType)
	}
	if e1018.SubCount() != 5 {
		t.Fatalf("0x1018 SubCount() = %d, want 5", e1018.SubCount())
	}
	// finalize() forces subindex 0 of an Array entry to read-only UNSIGNED8
	// regardless of what the EDS declared.
	if e1018.Variables[0].Attribute != ODA_SDO_R {
		t.Fatalf("0x1018 sub0 attribute = %v, want ODA_SDO_R", e1018.Variables[0].Attribute)
	}
	if e1018.Variables[0].DataType != UNSIGNED8 {
		t.Fatalf("0x1018 sub0 DataType = %v, want UNSIGNED8", e1018.Variables[0].DataType)
	}

	var vendorId uint32
	if ret := e1018.GetUint32(1, &vendorId); ret != ODR_OK {
		t.Fatalf("GetUint32(0x1018, sub1): %v", ret)
	}
	if vendorId != 0x5A {
		t.Fatalf("vendor id = x%x, want x5A", vendorId)
	}
}

func TestParseEDSPDOMappingAttribute(t *testing.T) {
	od, err := ParseEDS("testdata/sample.eds", 1)
	if err != nil {
		t.Fatalf("ParseEDS: %v", err)
	}

	e2001 := od.Find(0x2001)
	if e2001 == nil {
		t.Fatalf("expected entry 0x2001")
	}
	attr := e2001.Variables[0].Attribute
	if attr&ODA_TPDO == 0 {
		t.Fatalf("expected 0x2001 to be TPDO-mappable (PDOMapping=1), got attribute %v", attr)
	}
	if attr&ODA_MB == 0 {
		t.Fatalf("expected UNSIGNED16 to be marked multi-byte")
	}
}

func TestParseEDSUnknownFileReturnsError(t *testing.T) {
	if _, err := ParseEDS("testdata/does-not-exist.eds", 1); err == nil {
		t.Fatalf("expected an error loading a nonexistent EDS file")
	}
}
