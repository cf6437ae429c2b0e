package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

const syncServiceID uint16 = 0x080

// SyncEvent is the per-cycle outcome of Sync.Process; Node.Process passes
// SyncEventRxOrTx to the PDOs as syncWas to gate synchronous transmission.
type SyncEvent uint8

const (
	SyncEventNone         SyncEvent = iota // no SYNC event in the last cycle
	SyncEventRxOrTx                        // SYNC was received or transmitted in the last cycle
	SyncEventPassedWindow                  // time has just passed the SYNC window (0x1007)
)

// Sync implements the CiA 301 §7.2.5 SYNC producer/consumer: a periodic
// timing reference frame with an optional rolling counter byte and a
// "synchronous window" during which synchronous TPDOs may transmit.
type Sync struct {
	bus *BusManager

	emcy *EMCY

	rxNew               bool
	rxToggle            bool
	receiveError        uint8
	timeoutError        uint8
	counterOverflow     uint8
	counter             uint8
	syncIsOutsideWindow bool
	timer               uint32

	communicationCyclePeriodUs uint32
	synchronousWindowLengthUs  uint32

	isProducer bool
	cobId      uint32
	txFrame    Frame
}

// NewSync builds the SYNC engine from OD 0x1005 (COB-ID, bit 30 =
// producer), 0x1006 (cycle period), 0x1007 (window length) and the
// optional 0x1019 (counter overflow, 0 = no counter byte).
func NewSync(bus *BusManager, emcy *EMCY, entry1005, entry1006, entry1007, entry1019 *Entry) (*Sync, error) {
	if bus == nil || entry1005 == nil || entry1006 == nil || entry1007 == nil {
		return nil, ErrIllegalArgument
	}

	s := &Sync{bus: bus, emcy: emcy}

	var cobIdSync uint32
	if ret := entry1005.GetUint32(0, &cobIdSync); ret != ODR_OK {
		log.Errorf("[SYNC][x1005] read error: %v", ret)
		return nil, ErrOdParameters
	}
	entry1005.AddExtension(&Extension{Object: s, Read: readEntryDefault, Write: writeEntry1005})

	var period, window uint32
	if ret := entry1006.GetUint32(0, &period); ret != ODR_OK {
		log.Errorf("[SYNC][x1006] read error: %v", ret)
		return nil, ErrOdParameters
	}
	entry1006.AddExtension(&Extension{Object: s, Read: readEntryDefault, Write: writeEntry1006})

	if ret := entry1007.GetUint32(0, &window); ret != ODR_OK {
		log.Errorf("[SYNC][x1007] read error: %v", ret)
		return nil, ErrOdParameters
	}
	entry1007.AddExtension(&Extension{Object: s, Read: readEntryDefault, Write: writeEntry1007})

	var overflow uint8
	if entry1019 != nil {
		if ret := entry1019.GetUint8(0, &overflow); ret != ODR_OK {
			log.Errorf("[SYNC][x1019] read error: %v", ret)
			return nil, ErrOdParameters
		}
		if overflow == 1 {
			overflow = 2
		} else if overflow > 240 {
			overflow = 240
		}
		entry1019.AddExtension(&Extension{Object: s, Read: readEntryDefault, Write: writeEntry1019})
	}

	s.communicationCyclePeriodUs = period
	s.synchronousWindowLengthUs = window
	s.counterOverflow = overflow
	s.isProducer = cobIdSync&0x40000000 != 0
	s.cobId = cobIdSync & 0x7FF

	if err := bus.Subscribe(s.cobId, 0x7FF, false, s); err != nil {
		return nil, err
	}
	dlc := uint8(0)
	if overflow != 0 {
		dlc = 1
	}
	s.txFrame = NewFrame(s.cobId, dlc, nil)
	return s, nil
}

// Handle consumes a received SYNC frame: DLC must be 0 (no counter) or 1
// (counter present), matching whichever mode 0x1019 configured; a mismatch
// is recorded and reported as an EMCY on the next Process call.
func (s *Sync) Handle(frame Frame) {
	received := false
	if s.counterOverflow == 0 {
		if frame.DLC == 0 {
			received = true
		} else {
			s.receiveError = frame.DLC | 0x40
		}
	} else {
		if frame.DLC == 1 {
			s.counter = frame.Data[0]
			received = true
		} else {
			s.receiveError = frame.DLC | 0x80
		}
	}
	if received {
		s.rxToggle = !s.rxToggle
		s.rxNew = true
	}
}

func (s *Sync) send() {
	s.counter++
	if s.counter > s.counterOverflow {
		s.counter = 1
	}
	s.timer = 0
	s.rxToggle = !s.rxToggle
	s.txFrame.Data[0] = s.counter
	_ = s.bus.Send(s.txFrame)
}

// Counter returns the last-seen (consumer) or last-sent (producer) SYNC
// counter value. With 0x1019 disabling the counter byte a consumer keeps 0,
// while a producer reports 1 after each send (the byte is not transmitted).
func (s *Sync) Counter() uint8 { return s.counter }

// RxToggle flips on every accepted SYNC reception or transmission; PDO uses
// it to pick which of its two receive-latch slots is "current".
func (s *Sync) RxToggle() bool { return s.rxToggle }

// CounterOverflow returns the configured 0x1019 counter overflow value (0
// when the counter byte is disabled); TPDO uses it to detect whether a
// SYNCStartValue wait applies.
func (s *Sync) CounterOverflow() uint8 { return s.counterOverflow }

// WindowOpen reports whether the synchronous window (0x1007) is still open
// for this cycle; synchronous TPDOs may only transmit while true.
func (s *Sync) WindowOpen() bool { return !s.syncIsOutsideWindow }

// Process advances the SYNC timers by timeDifferenceUs and returns the
// event that occurred this call. When the node is not pre-operational or
// operational the engine is held in reset (spec.md §4.7).
func (s *Sync) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) SyncEvent {
	if !nmtIsPreOrOperational {
		s.rxNew = false
		s.receiveError = 0
		s.counter = 0
		s.timer = 0
		return SyncEventNone
	}

	if next := s.timer + timeDifferenceUs; next > s.timer {
		s.timer = next
	}
	if s.rxNew {
		s.timer = 0
		s.rxNew = false
	}

	status := SyncEventNone
	if s.communicationCyclePeriodUs > 0 {
		if s.isProducer {
			if s.timer >= s.communicationCyclePeriodUs {
				status = SyncEventRxOrTx
				s.send()
			}
			if timerNextUs != nil {
				if diff := s.communicationCyclePeriodUs - s.timer; *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		} else if s.timeoutError == 1 {
			periodTimeout := s.communicationCyclePeriodUs + s.communicationCyclePeriodUs>>1
			if periodTimeout < s.communicationCyclePeriodUs {
				periodTimeout = 0xFFFFFFFF
			}
			if s.timer > periodTimeout {
				s.emcy.Error(true, EmSyncTimeOut, EMCSyncDataLength, s.timer)
				log.Warnf("[SYNC] timeout: timer=%d", s.timer)
				s.timeoutError = 2
			} else if timerNextUs != nil {
				if diff := periodTimeout - s.timer; *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		}
	}

	if s.synchronousWindowLengthUs > 0 && s.timer > s.synchronousWindowLengthUs {
		if !s.syncIsOutsideWindow {
			status = SyncEventPassedWindow
		}
		s.syncIsOutsideWindow = true
	} else {
		s.syncIsOutsideWindow = false
	}

	if s.receiveError != 0 {
		s.emcy.Error(true, EmPDOWrongMapping, EMCSyncDataLength, uint32(s.receiveError))
		log.Warnf("[SYNC] receive error: %v", s.receiveError)
		s.receiveError = 0
	}

	if status == SyncEventRxOrTx {
		if s.timeoutError == 2 {
			s.emcy.Error(false, EmSyncTimeOut, 0, 0)
			log.Warnf("[SYNC] timeout cleared")
		}
		s.timeoutError = 1
	}
	return status
}

func writeEntry1005(stream *Stream, src []byte, countWritten *uint16) ODR {
	s, _ := stream.Object.(*Sync)
	if len(src) != 4 {
		return ODR_DATA_SHORT
	}
	cobId := binary.LittleEndian.Uint32(src)
	if isIDRestricted(uint16(cobId & 0x7FF)) {
		return ODR_INVALID_VALUE
	}
	s.isProducer = cobId&0x40000000 != 0
	s.cobId = cobId & 0x7FF
	s.txFrame.ID = s.cobId
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}

func writeEntry1006(stream *Stream, src []byte, countWritten *uint16) ODR {
	s, _ := stream.Object.(*Sync)
	if len(src) != 4 {
		return ODR_DATA_SHORT
	}
	s.communicationCyclePeriodUs = binary.LittleEndian.Uint32(src)
	s.timer = 0
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}

func writeEntry1007(stream *Stream, src []byte, countWritten *uint16) ODR {
	s, _ := stream.Object.(*Sync)
	if len(src) != 4 {
		return ODR_DATA_SHORT
	}
	s.synchronousWindowLengthUs = binary.LittleEndian.Uint32(src)
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}

func writeEntry1019(stream *Stream, src []byte, countWritten *uint16) ODR {
	s, _ := stream.Object.(*Sync)
	if len(src) != 1 {
		return ODR_DATA_SHORT
	}
	overflow := src[0]
	if overflow == 1 {
		return ODR_INVALID_VALUE
	}
	s.counterOverflow = overflow
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}
