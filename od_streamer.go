package canopen

// Stream is handed to a StreamReader/StreamWriter when accessing an OD
// sub-entry. It exposes the raw storage plus bookkeeping for partial
// (segmented/Domain) transfers.
type Stream struct {
	Data       []byte
	DataOffset uint32
	DataLength uint32
	Object     any
	Attribute  ODA
	Subindex   uint8
}

// StreamReader reads from a Stream into dst, reports bytes copied via
// *countRead, and returns ODR_OK (done), ODR_PARTIAL (call again for the
// next chunk) or an abort-mapped ODR.
type StreamReader func(stream *Stream, dst []byte, countRead *uint16) ODR

// StreamWriter writes src into a Stream, reports bytes consumed via
// *countWritten, and returns ODR_OK, ODR_PARTIAL (more data expected, only
// meaningful for Domain) or an abort-mapped ODR.
type StreamWriter func(stream *Stream, src []byte, countWritten *uint16) ODR

// streamer binds a Stream to the read/write functions that should service
// it (either the entry's extension, or the plain byte-copy default).
type streamer struct {
	stream Stream
	read   StreamReader
	write  StreamWriter
}

func (s *streamer) Read(b []byte) (int, ODR) {
	var countRead uint16
	ret := s.read(&s.stream, b, &countRead)
	return int(countRead), ret
}

func (s *streamer) Write(b []byte) (int, ODR) {
	var countWritten uint16
	ret := s.write(&s.stream, b, &countWritten)
	return int(countWritten), ret
}

// newStreamer builds a streamer for entry/subIndex. If origin is true, the
// entry's extension (if any) is bypassed in favor of the plain byte-copy
// path. Every caller outside the tests passes false; the fixed-width
// convenience accessors read raw storage directly without a streamer.
func newStreamer(entry *Entry, subIndex uint8, origin bool) (*streamer, ODR) {
	if entry == nil {
		return nil, ODR_IDX_NOT_EXIST
	}
	v, ret := entry.GetSub(subIndex)
	if ret != ODR_OK {
		return nil, ret
	}

	st := &streamer{}
	st.stream.Attribute = v.Attribute
	st.stream.Data = v.data
	st.stream.DataLength = v.DataLength()
	st.stream.Subindex = subIndex

	if v.DataType == DOMAIN && entry.Extension == nil {
		st.read = readEntryDisabled
		st.write = writeEntryDisabled
		return st, ODR_OK
	}

	if entry.Extension == nil || origin {
		st.read = readEntryDefault
		st.write = writeEntryDefault
		return st, ODR_OK
	}

	ext := entry.Extension
	st.stream.Object = ext.Object
	if ext.Read == nil {
		st.read = readEntryDisabled
	} else {
		st.read = ext.Read
	}
	if ext.Write == nil {
		st.write = writeEntryDisabled
	} else {
		st.write = ext.Write
	}
	return st, ODR_OK
}

// readEntryDefault copies from the variable's backing storage, splitting
// across multiple calls when the destination buffer is smaller than the
// declared length (segmented SDO upload).
func readEntryDefault(stream *Stream, dst []byte, countRead *uint16) ODR {
	dataLenToCopy := int(stream.DataLength)
	count := len(dst)
	ret := ODR_OK
	offset := stream.DataOffset

	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ODR_DEV_INCOMPAT
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			dataLenToCopy = count
			stream.DataOffset += uint32(dataLenToCopy)
			ret = ODR_PARTIAL
		} else {
			stream.DataOffset = 0
		}
	}
	copy(dst, stream.Data[offset:offset+uint32(dataLenToCopy)])
	*countRead = uint16(dataLenToCopy)
	return ret
}

// writeEntryDefault writes into the variable's backing storage, splitting
// across multiple calls for segmented SDO download.
func writeEntryDefault(stream *Stream, src []byte, countWritten *uint16) ODR {
	dataLenToCopy := int(stream.DataLength)
	count := len(src)
	ret := ODR_OK

	if stream.DataOffset > 0 || dataLenToCopy > count {
		if stream.DataOffset >= uint32(dataLenToCopy) {
			return ODR_DEV_INCOMPAT
		}
		dataLenToCopy -= int(stream.DataOffset)
		if dataLenToCopy > count {
			dataLenToCopy = count
			ret = ODR_PARTIAL
		}
	}

	if dataLenToCopy < count {
		return ODR_DATA_LONG
	}
	if stream.DataOffset+uint32(dataLenToCopy) > uint32(len(stream.Data)) {
		return ODR_DATA_LONG
	}
	copy(stream.Data[stream.DataOffset:stream.DataOffset+uint32(dataLenToCopy)], src)
	if ret == ODR_PARTIAL {
		stream.DataOffset += uint32(dataLenToCopy)
	} else {
		stream.DataOffset = 0
	}
	*countWritten = uint16(dataLenToCopy)
	swapIfBigEndianHost(stream.Data, stream.Attribute)
	return ret
}

func readEntryDisabled(stream *Stream, dst []byte, countRead *uint16) ODR {
	return ODR_UNSUPP_ACCESS
}

func writeEntryDisabled(stream *Stream, src []byte, countWritten *uint16) ODR {
	return ODR_UNSUPP_ACCESS
}
