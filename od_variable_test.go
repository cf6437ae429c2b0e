package canopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryGetPutUint(t *testing.T) {
	entry := NewVarEntry(0x2000, "u32", UNSIGNED32, ODA_SDO_RW, []byte{0, 0, 0, 0})

	assert.Equal(t, ODR_OK, entry.PutUint32(0, 0xDEADBEEF))
	var got uint32
	assert.Equal(t, ODR_OK, entry.GetUint32(0, &got))
	assert.EqualValues(t, 0xDEADBEEF, got)

	// Reading through the wrong width accessor is a declared-length mismatch.
	var got16 uint16
	assert.Equal(t, ODR_TYPE_MISMATCH, entry.GetUint16(0, &got16))
}

func TestEntryGetSubOutOfRange(t *testing.T) {
	entry := NewVarEntry(0x2000, "u8", UNSIGNED8, ODA_SDO_RW, []byte{0})
	_, ret := entry.GetSub(1)
	assert.Equal(t, ODR_SUB_NOT_EXIST, ret)
}

func TestEntryGetPtrSharesBackingStorage(t *testing.T) {
	entry := NewVarEntry(0x2000, "u16", UNSIGNED16, ODA_SDO_RW, []byte{1, 2})
	ptr, ret := entry.GetPtr(0, 2)
	assert.Equal(t, ODR_OK, ret)
	ptr[0] = 0xAA
	var got uint16
	assert.Equal(t, ODR_OK, entry.GetUint16(0, &got))
	assert.EqualValues(t, 0x02AA, got, "GetPtr must return a live view, not a copy")

	_, ret = entry.GetPtr(0, 4)
	assert.Equal(t, ODR_TYPE_MISMATCH, ret)
}

func TestEntryStatusBits(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", UNSIGNED8, ODA_SDO_RW, []byte{0})
	entry.AddExtension(&Extension{})

	assert.False(t, entry.statusBit(3))
	entry.setStatusBit(3, true)
	assert.True(t, entry.statusBit(3))
	assert.False(t, entry.statusBit(2))
	entry.setStatusBit(3, false)
	assert.False(t, entry.statusBit(3))
}

func TestVariableDataLengthAndAccess(t *testing.T) {
	entry := NewVarEntry(0x2000, "ro", UNSIGNED8, ODA_SDO_R, []byte{5})
	v, ret := entry.GetSub(0)
	assert.Equal(t, ODR_OK, ret)
	assert.EqualValues(t, 1, v.DataLength())
	assert.True(t, v.readable())
	assert.False(t, v.writable())
}
