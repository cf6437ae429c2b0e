package canopen

import (
	"encoding/binary"
	"fmt"
)

// SDOAbortCode is the 32-bit wire value sent in an SDO ABORT frame.
type SDOAbortCode uint32

// Required abort codes (exhaustive list for responder and parser, spec.md §6).
const (
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCmd               SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMem          SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoResource        SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataTransf        SDOAbortCode = 0x08000020
	AbortDataLocalCtrl     SDOAbortCode = 0x08000021
	AbortDataDevState      SDOAbortCode = 0x08000022
	AbortDataOD            SDOAbortCode = 0x08000023
	AbortNoData            SDOAbortCode = 0x08000024

	// Redefined here for clarity alongside the general block-size abort:
	// CiA 301 mandates this exact code when blksize > 127 is requested.
	AbortInvalidBlockSize = AbortBlockSize
)

var abortExplanation = map[SDOAbortCode]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value",
	AbortNoResource:        "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransf:        "Data cannot be transferred or stored to application",
	AbortDataLocalCtrl:     "Data cannot be transferred because of local control",
	AbortDataDevState:      "Data cannot be transferred because of present device state",
	AbortDataOD:            "Object dictionary not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

func (a SDOAbortCode) Error() string {
	if s, ok := abortExplanation[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown abort code x%08X", uint32(a))
}

// AppendTo writes the abort frame's 8 bytes (cs=0x80, index, subindex,
// abort code LE) into dst, which must be at least 8 bytes.
func (a SDOAbortCode) AppendTo(dst []byte, index uint16, subindex uint8) {
	dst[0] = 0x80
	binary.LittleEndian.PutUint16(dst[1:3], index)
	dst[3] = subindex
	binary.LittleEndian.PutUint32(dst[4:8], uint32(a))
}

// SDOState enumerates every state of the server and client FSMs. Server and
// client share a numbering scheme (teacher's convention) so log output and
// tests can talk about "the segmented states" etc without ambiguity.
type SDOState uint8

const (
	StateIdle SDOState = iota
	StateAbort

	StateDownloadLocalTransfer
	StateDownloadInitiateReq
	StateDownloadInitiateRsp
	StateDownloadSegmentReq
	StateDownloadSegmentRsp

	StateUploadLocalTransfer
	StateUploadInitiateReq
	StateUploadInitiateRsp
	StateUploadSegmentReq
	StateUploadSegmentRsp

	StateDownloadBlkInitiateReq
	StateDownloadBlkInitiateRsp
	StateDownloadBlkSubblockReq
	StateDownloadBlkSubblockRsp
	StateDownloadBlkEndReq
	StateDownloadBlkEndRsp

	StateUploadBlkInitiateReq
	StateUploadBlkInitiateRsp
	StateUploadBlkInitiateReq2
	StateUploadBlkSubblockSreq
	StateUploadBlkSubblockCrsp
	StateUploadBlkEndSreq
	StateUploadBlkEndCrsp
)

// Command-byte bit layouts, CiA 301 §7.2.4, reproduced bit-for-bit.
const (
	ccsDownloadInitiate  byte = 0x20
	scsDownloadInitiate  byte = 0x60
	ccsDownloadSegment   byte = 0x00
	scsDownloadSegment   byte = 0x20
	ccsUploadInitiate    byte = 0x40
	scsUploadInitiate    byte = 0x40
	ccsUploadSegment     byte = 0x60
	scsUploadSegment     byte = 0x00
	csAbort              byte = 0x80
	ccsDownloadBlkInit   byte = 0xC0
	scsDownloadBlkInit   byte = 0xA0
	csBlkSubblockAck     byte = 0xA2
	ccsBlkEnd            byte = 0xC1
	scsBlkEnd            byte = 0xA1
	ccsUploadBlkInit     byte = 0xA0
	scsUploadBlkInit     byte = 0xC0
	scsUploadBlkInitAlt  byte = 0x40 // server degrades to segmented/expedited
	blkSeqnoLastBit      byte = 0x80
	blkSeqnoMask         byte = 0x7F
	toggleBit            byte = 0x10
)

func cmdSpecifier(b byte) byte { return b & 0xE0 }

// sdoResponse wraps a received 8-byte SDO frame and centralizes the bit
// tests needed to validate and decode it, independent of which side
// (client or server) is receiving.
type sdoResponse struct {
	raw [8]byte
}

// isValidFor reports whether raw's command specifier is one a peer in state
// may legally send; it does not validate index/subindex/toggle, only the
// leading command byte's shape.
func (r *sdoResponse) isValidFor(state SDOState) bool {
	switch state {
	case StateDownloadInitiateRsp:
		return r.raw[0] == scsDownloadInitiate
	case StateDownloadSegmentRsp:
		return r.raw[0]&0xEF == scsDownloadSegment
	case StateDownloadBlkInitiateRsp:
		return r.raw[0]&0xFB == scsDownloadBlkInit
	case StateDownloadBlkSubblockReq, StateDownloadBlkSubblockRsp:
		return r.raw[0] == csBlkSubblockAck
	case StateDownloadBlkEndRsp:
		return r.raw[0] == scsBlkEnd
	case StateUploadInitiateRsp:
		return r.raw[0]&0xF0 == scsUploadInitiate
	case StateUploadSegmentRsp:
		return r.raw[0]&0xE0 == scsUploadSegment
	case StateUploadBlkInitiateRsp:
		return r.raw[0]&0xF9 == scsUploadBlkInit || r.raw[0]&0xF0 == scsUploadBlkInitAlt
	case StateUploadBlkSubblockSreq:
		return true
	case StateUploadBlkEndSreq:
		return r.raw[0]&0xE3 == scsBlkEnd
	default:
		return false
	}
}

func (r *sdoResponse) isAbort() bool       { return r.raw[0] == csAbort }
func (r *sdoResponse) abortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(r.raw[4:]))
}
func (r *sdoResponse) index() uint16    { return binary.LittleEndian.Uint16(r.raw[1:3]) }
func (r *sdoResponse) subindex() uint8  { return r.raw[3] }
func (r *sdoResponse) toggle() uint8    { return r.raw[0] & toggleBit }
func (r *sdoResponse) blockSize() uint8 { return r.raw[4] }
func (r *sdoResponse) ackSeqno() uint8  { return r.raw[1] }
func (r *sdoResponse) crcEnabled() bool { return r.raw[0]&0x04 != 0 }
func (r *sdoResponse) clientCRC() uint16 {
	return binary.LittleEndian.Uint16(r.raw[1:3])
}
