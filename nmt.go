package canopen

import (
	log "github.com/sirupsen/logrus"
)

const (
	nmtServiceID uint16 = 0x000
	hbBaseID     uint16 = 0x700
)

// NMT states, CiA 301 §7.3.2 (values are the wire byte sent in heartbeat).
type NMTState uint8

const (
	NMTInitializing   NMTState = 0
	NMTStopped        NMTState = 4
	NMTOperational    NMTState = 5
	NMTPreOperational NMTState = 127
)

var nmtStateNames = map[NMTState]string{
	NMTInitializing:   "INITIALIZING",
	NMTStopped:        "STOPPED",
	NMTOperational:    "OPERATIONAL",
	NMTPreOperational: "PRE-OPERATIONAL",
}

func (s NMTState) String() string {
	if n, ok := nmtStateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// NMTCommand is the second byte of an incoming NMT service request
// (CiA 301 §7.3.2.2).
type NMTCommand uint8

const (
	NMTCmdEnterOperational    NMTCommand = 0x01
	NMTCmdEnterStopped        NMTCommand = 0x02
	NMTCmdEnterPreOperational NMTCommand = 0x80
	NMTCmdResetNode           NMTCommand = 0x81
	NMTCmdResetComm           NMTCommand = 0x82
)

// NMTResetCmd is the three-valued signal the hosting application polls for
// after NMT.Process: a reset request it must act on by re-initializing
// communication or the whole application, or None.
type NMTResetCmd uint8

const (
	NMTResetNone NMTResetCmd = iota
	NMTResetComm
	NMTResetApp
)

// startupToOperational mirrors OD 0x1F80 bit 2: if set, a freshly
// initialized node enters OPERATIONAL directly instead of PRE_OPERATIONAL.
const startupToOperational uint32 = 0x04

// NMT implements the CiA 301 §7.3 network management slave: it tracks this
// node's lifecycle state, reacts to remote NMT commands addressed to it or
// to the broadcast node-id, and produces a heartbeat frame on 0x1017's
// cadence (plus on every state change and at startup).
type NMT struct {
	bus    *BusManager
	emcy   *EMCY
	nodeId uint8

	state        NMTState
	resetCommand NMTResetCmd
	control      uint32

	hbProducerTimeUs uint32
	hbTimer          uint32

	nmtRxNew bool
	nmtRxCmd NMTCommand
	nmtRxId  uint8

	hbTxFrame Frame

	callbacks []func(NMTState)
}

// NewNMT builds the NMT/heartbeat engine. entry1017 must already hold the
// heartbeat producer time in milliseconds; entry1F80, if non-nil, supplies
// the startup behavior control word (bit 2: start directly in OPERATIONAL).
func NewNMT(bus *BusManager, emcy *EMCY, nodeId uint8, entry1017, entry1f80 *Entry) (*NMT, error) {
	if bus == nil || entry1017 == nil {
		return nil, ErrIllegalArgument
	}

	nmt := &NMT{bus: bus, emcy: emcy, nodeId: nodeId, state: NMTInitializing}

	var hbMs uint16
	if ret := entry1017.GetUint16(0, &hbMs); ret != ODR_OK {
		log.Errorf("[NMT][x1017] read error: %v", ret)
		return nil, ErrOdParameters
	}
	nmt.hbProducerTimeUs = uint32(hbMs) * 1000
	entry1017.AddExtension(&Extension{Object: nmt, Read: readEntryDefault, Write: writeEntry1017})

	if entry1f80 != nil {
		var control uint32
		if ret := entry1f80.GetUint32(0, &control); ret == ODR_OK {
			nmt.control = control
		}
	}

	if err := bus.Subscribe(uint32(nmtServiceID), 0x7FF, false, nmt); err != nil {
		return nil, err
	}
	nmt.hbTxFrame = NewFrame(uint32(hbBaseID)+uint32(nodeId), 1, nil)

	return nmt, nil
}

// Handle consumes an incoming NMT service request: 2 bytes, {command,
// target node-id}. Frames addressed to neither broadcast (0) nor this
// node's id are silently ignored, per spec.md §8.
func (nmt *NMT) Handle(frame Frame) {
	if frame.DLC != 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != nmt.nodeId {
		return
	}
	nmt.nmtRxCmd = NMTCommand(frame.Data[0])
	nmt.nmtRxId = target
	nmt.nmtRxNew = true
}

// AddStateChangeCallback registers a callback invoked synchronously,
// in-line with Process, whenever the operating state changes.
func (nmt *NMT) AddStateChangeCallback(cb func(NMTState)) {
	nmt.callbacks = append(nmt.callbacks, cb)
}

// State returns the current NMT operating state.
func (nmt *NMT) State() NMTState { return nmt.state }

// PendingReset returns and clears any outstanding reset request raised by a
// CO_NMT_resetNode/resetComm command; the hosting application is
// responsible for acting on it (spec.md §4.8).
func (nmt *NMT) PendingReset() NMTResetCmd {
	cmd := nmt.resetCommand
	nmt.resetCommand = NMTResetNone
	return cmd
}

func (nmt *NMT) setState(newState NMTState) {
	if newState == nmt.state {
		return
	}
	log.Infof("[NMT] state change: %v -> %v", nmt.state, newState)
	nmt.state = newState
	nmt.sendHeartbeat()
	for _, cb := range nmt.callbacks {
		cb(newState)
	}
}

func (nmt *NMT) sendHeartbeat() {
	nmt.hbTxFrame.Data[0] = byte(nmt.state)
	if err := nmt.bus.Send(nmt.hbTxFrame); err != nil {
		log.Warnf("[NMT] heartbeat send failed: %v", err)
	}
	nmt.hbTimer = 0
}

// Process advances the NMT state machine and heartbeat timer by
// timeDifferenceUs. The bootstrap transition out of INITIALIZING (with its
// bootup heartbeat) happens on the first call.
func (nmt *NMT) Process(timeDifferenceUs uint32, timerNextUs *uint32) NMTState {
	if nmt.state == NMTInitializing {
		nmt.sendHeartbeat()
		if nmt.control&startupToOperational != 0 {
			nmt.setState(NMTOperational)
		} else {
			nmt.setState(NMTPreOperational)
		}
		return nmt.state
	}

	if nmt.nmtRxNew {
		nmt.nmtRxNew = false
		switch NMTCommand(nmt.nmtRxCmd) {
		case NMTCmdEnterOperational:
			nmt.setState(NMTOperational)
		case NMTCmdEnterStopped:
			nmt.setState(NMTStopped)
		case NMTCmdEnterPreOperational:
			nmt.setState(NMTPreOperational)
		case NMTCmdResetNode:
			nmt.resetCommand = NMTResetApp
		case NMTCmdResetComm:
			nmt.resetCommand = NMTResetComm
		}
	}

	if nmt.hbProducerTimeUs > 0 {
		nmt.hbTimer += timeDifferenceUs
		if nmt.hbTimer >= nmt.hbProducerTimeUs {
			nmt.sendHeartbeat()
		}
		if timerNextUs != nil {
			if diff := nmt.hbProducerTimeUs - nmt.hbTimer; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
	}
	return nmt.state
}

func writeEntry1017(stream *Stream, src []byte, countWritten *uint16) ODR {
	nmt, _ := stream.Object.(*NMT)
	if len(src) != 2 {
		return ODR_DATA_SHORT
	}
	ms := uint16(src[0]) | uint16(src[1])<<8
	nmt.hbProducerTimeUs = uint32(ms) * 1000
	nmt.hbTimer = 0
	copy(stream.Data, src)
	*countWritten = uint16(len(src))
	return ODR_OK
}
