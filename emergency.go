package canopen

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"
)

// EmergencyErrorStatusBits is the width, in bits, of the error status bit
// field maintained by Error and exposed through the optional status-bits
// entry passed to NewEMCY.
const EmergencyErrorStatusBits = 80

const emcyServiceID uint16 = 0x80

// Error register bits, object 0x1001.
const (
	ErrRegGeneric       byte = 0x01
	ErrRegCurrent       byte = 0x02
	ErrRegVoltage       byte = 0x04
	ErrRegTemperature   byte = 0x08
	ErrRegCommunication byte = 0x10
	ErrRegDevProfile    byte = 0x20
	ErrRegReserved      byte = 0x40
	ErrRegManufacturer  byte = 0x80
)

// Error codes, CiA 301 §7.2.7.
const (
	EMCNoError          uint16 = 0x0000
	EMCGeneric          uint16 = 0x1000
	EMCCurrent          uint16 = 0x2000
	EMCVoltage          uint16 = 0x3000
	EMCTemperature      uint16 = 0x4000
	EMCHardware         uint16 = 0x5000
	EMCSoftwareDevice   uint16 = 0x6000
	EMCSoftwareInternal uint16 = 0x6100
	EMCMonitoring       uint16 = 0x8000
	EMCCommunication    uint16 = 0x8100
	EMCCANOverrun       uint16 = 0x8110
	EMCCANPassive       uint16 = 0x8120
	EMCHeartbeat        uint16 = 0x8130
	EMCBusOffRecovered  uint16 = 0x8140
	EMCProtocolError    uint16 = 0x8200
	EMCSyncDataLength   uint16 = 0x8240
	EMCRPDOTimeout      uint16 = 0x8250
)

// Error status bits: the per-condition identity tracked by Error, distinct
// from the wire error code reported alongside it.
const (
	EmNoError            byte = 0x00
	EmCANBusWarning      byte = 0x01
	EmCANRXBusPassive    byte = 0x06
	EmCANTXBusPassive    byte = 0x07
	EmHeartbeatConsumer  byte = 0x1B
	EmEmergencyBuffFull  byte = 0x20
	EmWrongErrorReport   byte = 0x28
	EmGenericSoftware    byte = 0x2C
	EmInconsistentOD     byte = 0x2D
	EmSyncTimeOut        byte = 0x18
	EmRPDOTimeOut        byte = 0x17
	EmPDOWrongMapping    byte = 0x1A
	EmManufacturerStart  byte = 0x30
	EmManufacturerEnd    byte = EmergencyErrorStatusBits - 1
)

type emFifoEntry struct {
	msg  uint32
	info uint32
}

// EMCYRxCallback is invoked for every emergency object consumed, including
// the node's own (ident==0).
type EMCYRxCallback func(ident uint16, errorCode uint16, errorRegister byte, errorBit byte, infoCode uint32)

// EMCY implements the CiA 301 §7.2.7 emergency producer/consumer: it tracks
// per-condition error status bits, queues outgoing EMCY messages (rate
// limited by the inhibit timer at 0x1015) and dispatches received ones to
// rxCallback.
type EMCY struct {
	bus *BusManager

	mu              sync.Mutex
	nodeId          uint8
	errorStatusBits [EmergencyErrorStatusBits / 8]byte
	errorRegister   byte
	txFrame         Frame
	fifo            []emFifoEntry
	fifoWrPtr       byte
	fifoPpPtr       byte
	fifoOverflow    byte
	fifoCount       byte
	producerEnabled bool
	producerIdent   uint16
	inhibitTimeUs   uint32
	inhibitTimer    uint32
	rxCallback      EMCYRxCallback
}

// NewEMCY builds the emergency service, installing extensions on 0x1001
// (error register), 0x1003 (pre-defined error field), 0x1014 (COB-ID EMCY)
// and, optionally, 0x1015 (inhibit time). entryStatusBits, if non-nil, backs
// the internal error-status-bit array with a manufacturer-visible entry.
func NewEMCY(bus *BusManager, nodeId uint8, entry1001, entry1014, entry1015, entry1003, entryStatusBits *Entry) (*EMCY, error) {
	if bus == nil || entry1001 == nil || entry1014 == nil || entry1003 == nil || nodeId < 1 || nodeId > 127 {
		return nil, ErrIllegalArgument
	}
	emcy := &EMCY{bus: bus, nodeId: nodeId}
	emcy.fifo = make([]emFifoEntry, entry1003.SubCount())

	entry1001.AddExtension(&Extension{Object: emcy, Read: readEntry1001, Write: writeEntryDisabled})

	var cobIdEmergency uint32
	ret := entry1014.GetUint32(0, &cobIdEmergency)
	if ret != ODR_OK {
		return nil, ErrOdParameters
	}
	if cobIdEmergency&0x7FFFF800 != 0 {
		log.Warnf("[emcy] index 0x1014 has invalid COB-ID x%x, leaving producer disabled", cobIdEmergency)
	}
	producerCanId := cobIdEmergency & 0x7FF
	emcy.producerEnabled = cobIdEmergency&0x80000000 == 0 && producerCanId != 0
	emcy.producerIdent = uint16(producerCanId)
	entry1014.AddExtension(&Extension{Object: emcy, Read: readEntry1014, Write: writeEntry1014})

	if producerCanId == uint32(emcyServiceID) {
		producerCanId += uint32(nodeId)
	}
	emcy.txFrame = NewFrame(producerCanId, 8, nil)

	if entry1015 != nil {
		var inhibit100us uint16
		if entry1015.GetUint16(0, &inhibit100us) == ODR_OK {
			emcy.inhibitTimeUs = uint32(inhibit100us) * 100
			entry1015.AddExtension(&Extension{Object: emcy, Read: readEntryDefault, Write: writeEntry1015})
		}
	}

	entry1003.AddExtension(&Extension{Object: emcy, Read: readEntry1003, Write: writeEntry1003})
	if entryStatusBits != nil {
		entryStatusBits.AddExtension(&Extension{Object: emcy, Read: readEntryStatusBits, Write: writeEntryStatusBits})
	}

	if err := bus.Subscribe(uint32(emcyServiceID), 0x780, false, emcy); err != nil {
		return nil, err
	}
	return emcy, nil
}

// SetCallback installs the emergency-received callback (own + peer).
func (emcy *EMCY) SetCallback(callback EMCYRxCallback) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	emcy.rxCallback = callback
}

// Handle is the BusManager callback for frames addressed to the EMCY
// service range (0x80 + node id of any producer on the bus).
func (emcy *EMCY) Handle(frame Frame) {
	if emcy.rxCallback == nil || frame.ID == uint32(emcyServiceID) || frame.DLC != 8 {
		return
	}
	errorCode := binary.LittleEndian.Uint16(frame.Data[0:2])
	infoCode := binary.LittleEndian.Uint32(frame.Data[4:8])
	emcy.rxCallback(uint16(frame.ID), errorCode, frame.Data[2], frame.Data[3], infoCode)
}

// Process drains the error queue onto the bus, respecting the inhibit time,
// and must be called periodically from the node's cyclic loop.
func (emcy *EMCY) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	if !nmtIsPreOrOperational || len(emcy.fifo) < 2 {
		return
	}

	fifoPpPtr := emcy.fifoPpPtr
	if emcy.inhibitTimer < emcy.inhibitTimeUs {
		emcy.inhibitTimer += timeDifferenceUs
	}
	if fifoPpPtr == emcy.fifoWrPtr || emcy.inhibitTimer < emcy.inhibitTimeUs {
		if timerNextUs != nil && emcy.inhibitTimeUs > emcy.inhibitTimer {
			if diff := emcy.inhibitTimeUs - emcy.inhibitTimer; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
		return
	}
	emcy.inhibitTimer = 0

	emcy.fifo[fifoPpPtr].msg |= uint32(emcy.errorRegister) << 16
	binary.LittleEndian.PutUint32(emcy.txFrame.Data[:4], emcy.fifo[fifoPpPtr].msg)
	binary.LittleEndian.PutUint32(emcy.txFrame.Data[4:], emcy.fifo[fifoPpPtr].info)
	if emcy.producerEnabled {
		emcy.bus.Send(emcy.txFrame)
	}
	if emcy.rxCallback != nil {
		errMsg := emcy.fifo[fifoPpPtr].msg
		emcy.rxCallback(0, uint16(errMsg), emcy.errorRegister, byte(errMsg>>24), emcy.fifo[fifoPpPtr].info)
	}
	fifoPpPtr++
	if int(fifoPpPtr) >= len(emcy.fifo) {
		fifoPpPtr = 0
	}
	emcy.fifoPpPtr = fifoPpPtr

	switch {
	case emcy.fifoOverflow == 1:
		emcy.fifoOverflow = 2
		emcy.mu.Unlock()
		emcy.ErrorReport(EmEmergencyBuffFull, EMCGeneric, 0)
		emcy.mu.Lock()
	case emcy.fifoOverflow == 2 && fifoPpPtr == emcy.fifoWrPtr:
		emcy.fifoOverflow = 0
		emcy.mu.Unlock()
		emcy.ErrorReset(EmEmergencyBuffFull, 0)
		emcy.mu.Lock()
	}
}

// Error sets (setError true) or clears a condition identified by errorBit,
// queuing a new EMCY message only on an actual state transition. An
// out-of-range errorBit is redirected to EmWrongErrorReport rather than
// silently dropped.
func (emcy *EMCY) Error(setError bool, errorBit byte, errorCode uint16, infoCode uint32) {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	index := errorBit >> 3
	bitMask := byte(1) << (errorBit & 0x7)
	if int(index) >= len(emcy.errorStatusBits) {
		index = EmWrongErrorReport >> 3
		bitMask = byte(1) << (EmWrongErrorReport & 0x7)
		errorCode = EMCSoftwareInternal
		infoCode = uint32(errorBit)
	}

	wasSet := emcy.errorStatusBits[index]&bitMask != 0
	if setError == wasSet {
		return
	}
	if setError {
		emcy.errorStatusBits[index] |= bitMask
		emcy.errorRegister |= ErrRegGeneric
	} else {
		emcy.errorStatusBits[index] &^= bitMask
		errorCode = EMCNoError
	}

	errMsg := uint32(errorBit)<<24 | uint32(errorCode)
	if len(emcy.fifo) < 2 {
		return
	}
	fifoWrPtr := emcy.fifoWrPtr
	fifoWrPtrNext := fifoWrPtr + 1
	if int(fifoWrPtrNext) >= len(emcy.fifo) {
		fifoWrPtrNext = 0
	}
	if fifoWrPtrNext == emcy.fifoPpPtr {
		emcy.fifoOverflow = 1
		return
	}
	emcy.fifo[fifoWrPtr] = emFifoEntry{msg: errMsg, info: infoCode}
	emcy.fifoWrPtr = fifoWrPtrNext
	if int(emcy.fifoCount) < len(emcy.fifo)-1 {
		emcy.fifoCount++
	}
}

// ErrorReport logs and sets an error condition.
func (emcy *EMCY) ErrorReport(errorBit byte, errorCode uint16, infoCode uint32) {
	log.Warnf("[emcy] report bit x%02x code x%04x info x%08x", errorBit, errorCode, infoCode)
	emcy.Error(true, errorBit, errorCode, infoCode)
}

// ErrorReset logs and clears an error condition.
func (emcy *EMCY) ErrorReset(errorBit byte, infoCode uint32) {
	log.Infof("[emcy] reset bit x%02x info x%08x", errorBit, infoCode)
	emcy.Error(false, errorBit, EMCNoError, infoCode)
}

// IsError reports whether errorBit is currently set.
func (emcy *EMCY) IsError(errorBit byte) bool {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	index := errorBit >> 3
	bitMask := byte(1) << (errorBit & 0x7)
	if int(index) >= len(emcy.errorStatusBits) {
		return true
	}
	return emcy.errorStatusBits[index]&bitMask != 0
}

// GetErrorRegister returns the live value of object 0x1001.
func (emcy *EMCY) GetErrorRegister() byte {
	emcy.mu.Lock()
	defer emcy.mu.Unlock()
	return emcy.errorRegister
}

// ---------------------------------------------------------------------
// OD extensions
// ---------------------------------------------------------------------

func readEntry1001(stream *Stream, dst []byte, countRead *uint16) ODR {
	emcy, ok := stream.Object.(*EMCY)
	if !ok || len(dst) < 1 {
		return ODR_DEV_INCOMPAT
	}
	dst[0] = emcy.GetErrorRegister()
	*countRead = 1
	return ODR_OK
}

func readEntry1014(stream *Stream, dst []byte, countRead *uint16) ODR {
	if stream.Subindex != 0 || len(dst) < 4 {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	var canId uint16
	if emcy.producerIdent == emcyServiceID {
		canId = emcyServiceID + uint16(emcy.nodeId)
	} else {
		canId = emcy.producerIdent
	}
	var cobId uint32
	if !emcy.producerEnabled {
		cobId = 0x80000000
	}
	cobId |= uint32(canId)
	binary.LittleEndian.PutUint32(dst, cobId)
	*countRead = 4
	return ODR_OK
}

func writeEntry1014(stream *Stream, src []byte, countWritten *uint16) ODR {
	if stream.Subindex != 0 || len(src) != 4 {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()

	cobId := binary.LittleEndian.Uint32(src)
	newCanId := cobId & 0x7FF
	var currentCanId uint16
	if emcy.producerIdent == emcyServiceID {
		currentCanId = emcyServiceID + uint16(emcy.nodeId)
	} else {
		currentCanId = emcy.producerIdent
	}
	newEnabled := cobId&0x80000000 == 0 && newCanId != 0
	if cobId&0x7FFFF800 != 0 || isIDRestricted(uint16(newCanId)) ||
		(emcy.producerEnabled && newEnabled && newCanId != uint32(currentCanId)) {
		emcy.mu.Unlock()
		return ODR_INVALID_VALUE
	}
	emcy.producerEnabled = newEnabled
	if newCanId == uint32(emcyServiceID)+uint32(emcy.nodeId) {
		emcy.producerIdent = emcyServiceID
	} else {
		emcy.producerIdent = uint16(newCanId)
	}
	if newEnabled {
		emcy.txFrame = NewFrame(newCanId, 8, nil)
	}
	emcy.mu.Unlock()
	return writeEntryDefault(stream, src, countWritten)
}

func writeEntry1015(stream *Stream, src []byte, countWritten *uint16) ODR {
	if stream.Subindex != 0 || len(src) != 2 {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	emcy.inhibitTimeUs = uint32(binary.LittleEndian.Uint16(src)) * 100
	emcy.inhibitTimer = 0
	emcy.mu.Unlock()
	return writeEntryDefault(stream, src, countWritten)
}

func readEntry1003(stream *Stream, dst []byte, countRead *uint16) ODR {
	if len(dst) < 1 || (stream.Subindex > 0 && len(dst) < 4) {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	if len(emcy.fifo) < 2 {
		return ODR_DEV_INCOMPAT
	}
	if stream.Subindex == 0 {
		dst[0] = emcy.fifoCount
		*countRead = 1
		return ODR_OK
	}
	if stream.Subindex > emcy.fifoCount {
		return ODR_NO_DATA
	}
	index := int(emcy.fifoWrPtr) - int(stream.Subindex)
	if index >= len(emcy.fifo) {
		return ODR_DEV_INCOMPAT
	}
	if index < 0 {
		index += len(emcy.fifo)
	}
	binary.LittleEndian.PutUint32(dst, emcy.fifo[index].msg)
	*countRead = 4
	return ODR_OK
}

func writeEntry1003(stream *Stream, src []byte, countWritten *uint16) ODR {
	if stream.Subindex != 0 || len(src) != 1 {
		return ODR_DEV_INCOMPAT
	}
	if src[0] != 0 {
		return ODR_INVALID_VALUE
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	emcy.fifoCount = 0
	emcy.mu.Unlock()
	*countWritten = 1
	return ODR_OK
}

func readEntryStatusBits(stream *Stream, dst []byte, countRead *uint16) ODR {
	if stream.Subindex != 0 {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	n := len(emcy.errorStatusBits)
	if n > len(dst) {
		n = len(dst)
	}
	if len(stream.Data) != 0 && n > len(stream.Data) {
		n = len(stream.Data)
	}
	copy(dst, emcy.errorStatusBits[:n])
	*countRead = uint16(n)
	return ODR_OK
}

func writeEntryStatusBits(stream *Stream, src []byte, countWritten *uint16) ODR {
	if stream.Subindex != 0 {
		return ODR_DEV_INCOMPAT
	}
	emcy, ok := stream.Object.(*EMCY)
	if !ok {
		return ODR_DEV_INCOMPAT
	}
	emcy.mu.Lock()
	defer emcy.mu.Unlock()

	n := len(emcy.errorStatusBits)
	if n > len(src) {
		n = len(src)
	}
	if len(stream.Data) != 0 && n > len(stream.Data) {
		n = len(stream.Data)
	}
	copy(emcy.errorStatusBits[:], src[:n])
	*countWritten = uint16(n)
	return ODR_OK
}
