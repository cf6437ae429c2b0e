package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

const (
	maxPdoLength        = 8
	maxMappedEntriesPdo = 8
)

// TPDO transmission types, CiA 301 §7.2.2 Table 72.
const (
	TransmissionSyncAcyclic uint8 = 0   // synchronous, acyclic: send on next SYNC if requested
	TransmissionSync240     uint8 = 240 // synchronous, cyclic every Nth SYNC (1..240)
	TransmissionSyncEvent1  uint8 = 254 // event-driven, manufacturer specific
	TransmissionSyncEvent2  uint8 = 255 // event-driven, device/application profile specific
)

// pdoMapped is one resolved mapping slot: a streamer bound to the mapped
// OD variable (nil for a CiA 301 §7.2.1 "dummy" padding mapping, index <
// 0x20) plus its byte length on the wire.
type pdoMapped struct {
	st     *streamer
	length uint32
}

// pdoBase is the configuration shared by RPDO and TPDO: resolved mapping
// table (spec.md §3.3), validity and the configured COB-ID.
type pdoBase struct {
	od     *ObjectDictionary
	emcy   *EMCY
	isRPDO bool

	mapped     [maxMappedEntriesPdo]pdoMapped
	nbMapped   uint8
	dataLength uint32

	valid        bool
	configuredId uint16
	predefinedId uint16
}

func (b *pdoBase) mapAttribute() ODA {
	if b.isRPDO {
		return ODA_RPDO
	}
	return ODA_TPDO
}

// configureMap decodes one packed mapping word (spec.md §3.3:
// index:u16<<16 | subindex:u8<<8 | bit_length:u8) into mapIndex's slot.
func (b *pdoBase) configureMap(mapParam uint32, mapIndex int) error {
	index := uint16(mapParam >> 16)
	subIndex := uint8(mapParam >> 8)
	bitLength := uint8(mapParam)

	if bitLength%8 != 0 {
		return ODR_NO_MAP
	}
	byteLength := uint32(bitLength / 8)
	if byteLength > maxPdoLength {
		return ODR_MAP_LEN
	}

	// Dummy entry: indices below 0x20 map to a fixed-size padding slot
	// with no backing storage (CiA 301 §7.2.1).
	if index < 0x20 && subIndex == 0 {
		b.mapped[mapIndex] = pdoMapped{st: nil, length: byteLength}
		return nil
	}

	entry := b.od.Find(index)
	if entry == nil {
		return ODR_NO_MAP
	}
	v, ret := entry.GetSub(subIndex)
	if ret != ODR_OK {
		return ret
	}
	if v.Attribute&b.mapAttribute() == 0 {
		return ODR_NO_MAP
	}
	if v.DataLength() < byteLength {
		return ODR_NO_MAP
	}

	st, ret := newStreamer(entry, subIndex, false)
	if ret != ODR_OK {
		return ret
	}
	b.mapped[mapIndex] = pdoMapped{st: st, length: byteLength}
	return nil
}

// configureAllMaps reads OD entryMap (0x16xx for RPDO, 0x1Axx for TPDO),
// resolving up to eight mapping words. Every slot is tried; if any slot
// fails to resolve, or the mapped length exceeds 8 bytes (or is 0 with a
// non-zero count), the PDO is left with no mapped objects and the first
// error is returned.
func (b *pdoBase) configureAllMaps(entryMap *Entry) error {
	var count uint8
	if ret := entryMap.GetUint8(0, &count); ret != ODR_OK {
		return ErrOdParameters
	}
	if count > maxMappedEntriesPdo {
		return ODR_MAP_LEN
	}

	var total uint32
	var erroneous error
	for i := 0; i < maxMappedEntriesPdo; i++ {
		var mapParam uint32
		if ret := entryMap.GetUint32(uint8(i+1), &mapParam); ret != ODR_OK {
			continue
		}
		if err := b.configureMap(mapParam, i); err != nil {
			b.mapped[i] = pdoMapped{}
			if erroneous == nil {
				erroneous = err
			}
			continue
		}
		if i < int(count) {
			total += b.mapped[i].length
		}
	}

	if total > maxPdoLength || (total == 0 && count > 0) {
		if erroneous == nil {
			erroneous = ODR_MAP_LEN
		}
	}
	if erroneous != nil {
		b.dataLength = 0
		b.nbMapped = 0
		return erroneous
	}
	b.dataLength = total
	b.nbMapped = count
	return nil
}

// configureCobId validates and stores a PDO communication COB-ID
// (spec.md §4.6: bit 31 invalid, bits 11..30 zero for 11-bit IDs).
func (b *pdoBase) configureCobId(cobId uint32) uint16 {
	valid := cobId&0x80000000 == 0 && cobId&0x7FFFF800 == 0
	canId := uint16(cobId & 0x7FF)
	if canId != 0 && canId == b.predefinedId&0xFF80 {
		canId = b.predefinedId
	}
	if valid && (b.nbMapped == 0 || canId == 0) {
		valid = false
	}
	if !valid {
		canId = 0
	}
	b.valid = valid
	b.configuredId = canId
	return canId
}

// ---------------------------------------------------------------------
// RPDO
// ---------------------------------------------------------------------

// RPDO implements the CiA 301 §7.2.1 receive PDO consumer: mapped,
// SYNC-gated real-time data arriving from another node. Reception happens
// in Handle (receive context, latch-only); Process (mainline) copies the
// latched frame into the mapped OD variables.
type RPDO struct {
	bus  *BusManager
	pdo  pdoBase
	sync *Sync

	synchronous bool

	bufData [2][8]byte
	bufNew  [2]bool
}

// NewRPDO builds an RPDO from its communication (0x1400+) and mapping
// (0x1600+) OD entries.
func NewRPDO(bus *BusManager, od *ObjectDictionary, emcy *EMCY, sync *Sync, entry14xx, entry16xx *Entry, predefinedId uint16) (*RPDO, error) {
	if bus == nil || od == nil || emcy == nil || entry14xx == nil || entry16xx == nil {
		return nil, ErrIllegalArgument
	}
	rpdo := &RPDO{bus: bus, sync: sync}
	rpdo.pdo = pdoBase{od: od, emcy: emcy, isRPDO: true, predefinedId: predefinedId}

	if err := rpdo.pdo.configureAllMaps(entry16xx); err != nil {
		log.Warnf("[RPDO][x%x] mapping error: %v", entry16xx.Index, err)
	}

	var cobId uint32
	if ret := entry14xx.GetUint32(1, &cobId); ret != ODR_OK {
		return nil, ErrOdParameters
	}
	rpdo.pdo.configureCobId(cobId)

	var transmissionType uint8
	if ret := entry14xx.GetUint8(2, &transmissionType); ret != ODR_OK {
		return nil, ErrOdParameters
	}
	rpdo.synchronous = transmissionType <= TransmissionSync240

	entry14xx.AddExtension(&Extension{Object: rpdo, Read: readEntryDefault, Write: writeEntry14xx})
	entry16xx.AddExtension(&Extension{Object: rpdo, Read: readEntryDefault, Write: writeEntry16xxOr1Axx})

	if rpdo.pdo.valid {
		if err := bus.Subscribe(uint32(rpdo.pdo.configuredId), 0x7FF, false, rpdo); err != nil {
			return nil, err
		}
	}
	return rpdo, nil
}

// Handle latches a received frame into whichever of the two receive
// buffers corresponds to the current SYNC window, per spec.md §3.3/§9: a
// frame received while the SYNC toggle is indeterminate (pre-SYNC) goes to
// buffer 0.
func (rpdo *RPDO) Handle(frame Frame) {
	if !rpdo.pdo.valid || frame.DLC < uint8(rpdo.pdo.dataLength) {
		if rpdo.pdo.valid && frame.DLC != uint8(rpdo.pdo.dataLength) {
			rpdo.pdo.emcy.Error(true, EmRPDOTimeOut, EMCRPDOTimeout, uint32(rpdo.pdo.dataLength))
		}
		return
	}
	bufNo := 0
	if rpdo.synchronous && rpdo.sync != nil && rpdo.sync.RxToggle() {
		bufNo = 1
	}
	copy(rpdo.bufData[bufNo][:], frame.Data[:])
	rpdo.bufNew[bufNo] = true
}

// Process copies any newly latched message into the mapped OD variables.
// Synchronous RPDOs only do so on the SYNC boundary (syncWas); spec.md
// §5's ordering guarantee ("synchronous RPDO data is never moved to the OD
// before the SYNC boundary that caused its reception") follows directly
// from gating on syncWas here.
func (rpdo *RPDO) Process(nmtOperational bool, syncWas bool) {
	if !rpdo.pdo.valid || !nmtOperational {
		rpdo.bufNew[0] = false
		rpdo.bufNew[1] = false
		return
	}
	if rpdo.synchronous && !syncWas {
		return
	}

	bufNo := 0
	if rpdo.synchronous && rpdo.sync != nil && !rpdo.sync.RxToggle() {
		bufNo = 1
	}
	for rpdo.bufNew[bufNo] {
		rpdo.bufNew[bufNo] = false
		rpdo.copyToOD(rpdo.bufData[bufNo][:])
	}
}

func (rpdo *RPDO) copyToOD(data []byte) {
	rpdo.pdo.od.Lock()
	defer rpdo.pdo.od.Unlock()

	offset := uint32(0)
	for i := 0; i < int(rpdo.pdo.nbMapped); i++ {
		m := &rpdo.pdo.mapped[i]
		end := offset + m.length
		if end > uint32(len(data)) {
			break
		}
		if m.st != nil {
			m.st.stream.DataOffset = 0
			if _, ret := m.st.Write(data[offset:end]); ret != ODR_OK && ret != ODR_PARTIAL {
				log.Warnf("[RPDO][x%x] OD write failed: %v", rpdo.pdo.configuredId, ret)
			}
		}
		offset = end
	}
}

func writeEntry14xx(stream *Stream, src []byte, countWritten *uint16) ODR {
	rpdo, isRPDO := stream.Object.(*RPDO)
	var tpdo *TPDO
	if !isRPDO {
		tpdo, _ = stream.Object.(*TPDO)
	}
	base := &rpdo.pdo
	if !isRPDO {
		base = &tpdo.pdo
	}

	switch stream.Subindex {
	case 1:
		if len(src) != 4 {
			return ODR_DATA_SHORT
		}
		if base.valid {
			return ODR_UNSUPP_ACCESS
		}
		cobId := binary.LittleEndian.Uint32(src)
		canId := base.configureCobId(cobId)
		if isRPDO && base.valid {
			_ = rpdo.bus.Subscribe(uint32(canId), 0x7FF, false, rpdo)
		}
	case 2:
		if len(src) != 1 {
			return ODR_DATA_SHORT
		}
		t := src[0]
		if isRPDO {
			rpdo.synchronous = t <= TransmissionSync240
		} else {
			tpdo.transmissionType = t
			tpdo.syncCounter = 255
		}
	default:
	}
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}

func writeEntry16xxOr1Axx(stream *Stream, src []byte, countWritten *uint16) ODR {
	rpdo, isRPDO := stream.Object.(*RPDO)
	var tpdo *TPDO
	if !isRPDO {
		tpdo, _ = stream.Object.(*TPDO)
	}
	base := &rpdo.pdo
	entryMap := (*Entry)(nil)
	if !isRPDO {
		base = &tpdo.pdo
	}
	_ = entryMap

	if base.valid {
		return ODR_UNSUPP_ACCESS
	}
	if len(src) != 4 && stream.Subindex != 0 {
		return ODR_DATA_SHORT
	}
	copy(stream.Data, src)
	*countWritten = uint16(len(src))

	if stream.Subindex == 0 {
		if len(src) != 1 || src[0] > maxMappedEntriesPdo {
			return ODR_MAP_LEN
		}
		base.nbMapped = src[0]
		return ODR_OK
	}
	mapParam := binary.LittleEndian.Uint32(src)
	if err := base.configureMap(mapParam, int(stream.Subindex-1)); err != nil {
		if ret, ok := err.(ODR); ok {
			return ret
		}
		return ODR_NO_MAP
	}
	return ODR_OK
}

// ---------------------------------------------------------------------
// TPDO
// ---------------------------------------------------------------------

// TPDO implements the CiA 301 §7.2.2 transmit PDO producer. It is driven
// entirely from Process: synchronous types transmit on the SYNC boundary
// per their transmission type, asynchronous types transmit on request
// (change-of-state or application-driven) once the inhibit time elapses.
type TPDO struct {
	bus  *BusManager
	pdo  pdoBase
	sync *Sync

	txFrame          Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8

	inhibitTimeUs uint32
	eventTimeUs   uint32
	inhibitTimer  uint32
	eventTimer    uint32

	sendIfCosFlags byte
	lastImage      [maxPdoLength]byte
}

// NewTPDO builds a TPDO from its communication (0x1800+) and mapping
// (0x1A00+) OD entries.
func NewTPDO(bus *BusManager, od *ObjectDictionary, emcy *EMCY, sync *Sync, entry18xx, entry1Axx *Entry, predefinedId uint16) (*TPDO, error) {
	if bus == nil || od == nil || emcy == nil || entry18xx == nil || entry1Axx == nil {
		return nil, ErrIllegalArgument
	}
	tpdo := &TPDO{bus: bus, sync: sync, syncCounter: 255}
	tpdo.pdo = pdoBase{od: od, emcy: emcy, isRPDO: false, predefinedId: predefinedId}

	if err := tpdo.pdo.configureAllMaps(entry1Axx); err != nil {
		log.Warnf("[TPDO][x%x] mapping error: %v", entry1Axx.Index, err)
	}

	var cobId uint32
	if ret := entry18xx.GetUint32(1, &cobId); ret != ODR_OK {
		return nil, ErrOdParameters
	}
	tpdo.pdo.configureCobId(cobId)
	tpdo.txFrame = NewFrame(uint32(tpdo.pdo.configuredId), uint8(tpdo.pdo.dataLength), nil)

	var transmissionType uint8
	if ret := entry18xx.GetUint8(2, &transmissionType); ret != ODR_OK {
		return nil, ErrOdParameters
	}
	if transmissionType > TransmissionSync240 && transmissionType < TransmissionSyncEvent1 {
		transmissionType = TransmissionSyncEvent1
	}
	tpdo.transmissionType = transmissionType
	if transmissionType >= TransmissionSyncEvent1 {
		tpdo.sendRequest = true
	}

	var inhibit, event uint16
	entry18xx.GetUint16(3, &inhibit)
	entry18xx.GetUint16(5, &event)
	tpdo.inhibitTimeUs = uint32(inhibit) * 100
	tpdo.eventTimeUs = uint32(event) * 1000

	var syncStart uint8
	entry18xx.GetUint8(6, &syncStart)
	tpdo.syncStartValue = syncStart

	entry18xx.AddExtension(&Extension{Object: tpdo, Read: readEntryDefault, Write: writeEntry14xx})
	entry1Axx.AddExtension(&Extension{Object: tpdo, Read: readEntryDefault, Write: writeEntry16xxOr1Axx})

	return tpdo, nil
}

// RequestSend flags the TPDO for transmission on the next eligible
// Process call (the application-driven half of spec.md §4.6's `send_if_cos`
// / `send_request` pair).
func (tpdo *TPDO) RequestSend() { tpdo.sendRequest = true }

// SetCOSMask installs the byte-mask tested by checkCOS (spec.md §3.3's
// `send_if_cos_flags`).
func (tpdo *TPDO) SetCOSMask(mask byte) { tpdo.sendIfCosFlags = mask }

func (tpdo *TPDO) checkCOS() {
	if tpdo.pdo.dataLength == 0 || tpdo.sendIfCosFlags == 0 {
		return
	}
	var img [maxPdoLength]byte
	tpdo.readImage(img[:tpdo.pdo.dataLength])
	for i := uint32(0); i < tpdo.pdo.dataLength; i++ {
		if img[i] != tpdo.lastImage[i] && tpdo.sendIfCosFlags&(1<<uint(i)) != 0 {
			tpdo.sendRequest = true
			return
		}
	}
}

func (tpdo *TPDO) readImage(dst []byte) {
	tpdo.pdo.od.Lock()
	defer tpdo.pdo.od.Unlock()
	offset := uint32(0)
	for i := 0; i < int(tpdo.pdo.nbMapped); i++ {
		m := &tpdo.pdo.mapped[i]
		end := offset + m.length
		if end > uint32(len(dst)) {
			break
		}
		if m.st != nil {
			m.st.stream.DataOffset = 0
			m.st.Read(dst[offset:end])
		}
		offset = end
	}
}

// send builds the wire image from the mapped OD variables and transmits
// it, per spec.md §4.6/§3.3.
func (tpdo *TPDO) send() error {
	if !tpdo.pdo.valid {
		return nil
	}
	tpdo.readImage(tpdo.txFrame.Data[:tpdo.pdo.dataLength])
	copy(tpdo.lastImage[:], tpdo.txFrame.Data[:tpdo.pdo.dataLength])
	tpdo.sendRequest = false
	if err := tpdo.bus.Send(tpdo.txFrame); err != nil {
		log.Warnf("[TPDO][x%x] send failed: %v", tpdo.pdo.configuredId, err)
		return err
	}
	tpdo.inhibitTimer = tpdo.inhibitTimeUs
	tpdo.eventTimer = tpdo.eventTimeUs
	return nil
}

// Process implements the transmission-type state machine of spec.md §4.6,
// grounded on CO_TPDO_process: asynchronous types (>=254) transmit on
// request once inhibited time has elapsed or the event timer fires;
// synchronous types transmit according to transmission_type on each SYNC.
func (tpdo *TPDO) Process(nmtOperational bool, syncWas bool, timeDifferenceUs uint32, timerNextUs *uint32) {
	if tpdo.pdo.valid && nmtOperational {
		if tpdo.transmissionType >= TransmissionSyncEvent1 {
			tpdo.checkCOS()
			if tpdo.eventTimeUs > 0 && tpdo.eventTimer == 0 {
				tpdo.sendRequest = true
			}
			if tpdo.inhibitTimer == 0 && tpdo.sendRequest {
				_ = tpdo.send()
			}
		} else if syncWas {
			switch {
			case tpdo.transmissionType == TransmissionSyncAcyclic:
				if tpdo.sendRequest {
					_ = tpdo.send()
				}
			case tpdo.syncCounter == 255:
				if tpdo.sync != nil && tpdo.sync.CounterOverflow() != 0 && tpdo.syncStartValue != 0 {
					tpdo.syncCounter = 254
				} else {
					tpdo.syncCounter = tpdo.transmissionType
				}
			case tpdo.syncCounter == 254:
				if tpdo.sync != nil && tpdo.sync.Counter() == tpdo.syncStartValue {
					tpdo.syncCounter = tpdo.transmissionType
					_ = tpdo.send()
				}
			default:
				tpdo.syncCounter--
				if tpdo.syncCounter == 0 {
					tpdo.syncCounter = tpdo.transmissionType
					_ = tpdo.send()
				}
			}
		}
	} else {
		if tpdo.transmissionType >= TransmissionSyncEvent1 {
			tpdo.sendRequest = true
		} else {
			tpdo.sendRequest = false
		}
	}

	if tpdo.inhibitTimer > timeDifferenceUs {
		tpdo.inhibitTimer -= timeDifferenceUs
	} else {
		tpdo.inhibitTimer = 0
	}
	if tpdo.eventTimer > timeDifferenceUs {
		tpdo.eventTimer -= timeDifferenceUs
	} else {
		tpdo.eventTimer = 0
	}

	if timerNextUs != nil {
		if tpdo.inhibitTimer > 0 && *timerNextUs > tpdo.inhibitTimer {
			*timerNextUs = tpdo.inhibitTimer
		}
		if tpdo.eventTimeUs > 0 && *timerNextUs > tpdo.eventTimer {
			*timerNextUs = tpdo.eventTimer
		}
	}
}
