package canopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStreamerDefaultPath(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", UNSIGNED32, ODA_SDO_RW, []byte{1, 2, 3, 4})
	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)

	dst := make([]byte, 4)
	n, ret := st.Read(dst)
	assert.Equal(t, ODR_OK, ret)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)
}

func TestNewStreamerUnknownSubindex(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", UNSIGNED8, ODA_SDO_RW, []byte{0})
	_, ret := newStreamer(entry, 5, false)
	assert.Equal(t, ODR_SUB_NOT_EXIST, ret)
}

func TestNewStreamerDomainWithoutExtensionIsDisabled(t *testing.T) {
	entry := NewDomainEntry(0x1F50, "program", ODA_SDO_RW)
	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)

	var countRead uint16
	assert.Equal(t, ODR_UNSUPP_ACCESS, st.read(&st.stream, make([]byte, 1), &countRead))
	var countWritten uint16
	assert.Equal(t, ODR_UNSUPP_ACCESS, st.write(&st.stream, []byte{0}, &countWritten))
}

func TestNewStreamerExtensionOverridesDefault(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", UNSIGNED8, ODA_SDO_RW, []byte{0})
	called := false
	entry.AddExtension(&Extension{
		Read: func(stream *Stream, dst []byte, countRead *uint16) ODR {
			called = true
			*countRead = uint16(len(dst))
			return ODR_OK
		},
	})

	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)
	_, ret = st.Read(make([]byte, 1))
	assert.Equal(t, ODR_OK, ret)
	assert.True(t, called)

	// origin=true bypasses the extension in favor of the plain byte copy.
	st, ret = newStreamer(entry, 0, true)
	assert.Equal(t, ODR_OK, ret)
	called = false
	_, ret = st.Read(make([]byte, 1))
	assert.Equal(t, ODR_OK, ret)
	assert.False(t, called, "origin access must bypass the installed extension")
}

func TestReadEntryDefaultSegmentsLongValues(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", VISIBLE_STRING, ODA_SDO_RW, []byte("hello world"))
	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)

	first := make([]byte, 5)
	n, ret := st.Read(first)
	assert.Equal(t, ODR_PARTIAL, ret)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(first))

	rest := make([]byte, 10)
	n, ret = st.Read(rest)
	assert.Equal(t, ODR_OK, ret)
	assert.Equal(t, " world", string(rest[:n]))
}

func TestWriteEntryDefaultRejectsOverlongWrite(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", UNSIGNED32, ODA_SDO_RW, []byte{0, 0, 0, 0})
	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)

	_, ret = st.Write([]byte{1, 2, 3, 4, 5})
	assert.Equal(t, ODR_DATA_LONG, ret)
}

func TestWriteEntryDefaultSegmentedWrite(t *testing.T) {
	entry := NewVarEntry(0x2000, "v", VISIBLE_STRING, ODA_SDO_RW, make([]byte, 6))
	st, ret := newStreamer(entry, 0, false)
	assert.Equal(t, ODR_OK, ret)

	n, ret := st.Write([]byte("abc"))
	assert.Equal(t, ODR_PARTIAL, ret)
	assert.Equal(t, 3, n)

	n, ret = st.Write([]byte("def"))
	assert.Equal(t, ODR_OK, ret)
	assert.Equal(t, 3, n)

	assert.Equal(t, []byte("abcdef"), entry.Variables[0].data)
}
