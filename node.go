package canopen

import log "github.com/sirupsen/logrus"

// rpdoCobIds / tpdoCobIds are the predefined connection set base COB-IDs for
// the first four communication-parameter indices (CiA 301 §7.2's
// "default SDO and PDO identifier assignment"), indexed by PDO number 0..3.
var rpdoCobIds = [4]uint16{0x200, 0x300, 0x400, 0x500}
var tpdoCobIds = [4]uint16{0x180, 0x280, 0x380, 0x480}

// Node is the composed, owned-by-the-host CANopen device: the Object
// Dictionary plus every protocol engine bound to it (spec.md §9's
// `Node { od, sdo_server, sdo_client, nmt, sync, emcy, rpdo[], tpdo[], leds,
// gateway }`). There are no package-level statics; a host may run any number
// of independent Nodes over independent BusManagers.
type Node struct {
	Bus *BusManager
	OD  *ObjectDictionary

	SDOServer *SDOServer
	SDOClient *SDOClient
	NMT       *NMT
	Sync      *Sync
	EMCY      *EMCY
	RPDOs     []*RPDO
	TPDOs     []*TPDO
	LEDs      *LEDs
	Gateway   *Gateway

	nodeId uint8
}

// NodeConfig carries the handful of constructor parameters that are not
// already expressed as Object Dictionary entries.
type NodeConfig struct {
	NodeId       uint8
	SDOTimeoutMs uint32 // default 1000 if zero
}

// NewNode composes every protocol engine around an already-populated
// ObjectDictionary (typically produced by ParseEDS) and an already-connected
// BusManager. Optional communication blocks (the SDO server/client parameter
// records 0x1200/0x1280, RPDO/TPDO pairs 1..4, SYNC counter, EMCY inhibit
// time) are picked up automatically when their OD entries are present and
// skipped otherwise. Further SDO channels (0x1201+, 0x1281+) are not looked
// up.
func NewNode(bus *BusManager, od *ObjectDictionary, cfg NodeConfig) (*Node, error) {
	if bus == nil || od == nil {
		return nil, ErrIllegalArgument
	}
	if cfg.NodeId < 1 || cfg.NodeId > 127 {
		return nil, ErrIllegalArgument
	}
	timeoutMs := cfg.SDOTimeoutMs
	if timeoutMs == 0 {
		timeoutMs = 1000
	}

	n := &Node{Bus: bus, OD: od, nodeId: cfg.NodeId, LEDs: &LEDs{}}

	sdoServer, err := NewSDOServer(bus, od, cfg.NodeId, timeoutMs, od.Find(0x1200))
	if err != nil {
		return nil, err
	}
	n.SDOServer = sdoServer

	sdoClient, err := NewSDOClient(bus, od, cfg.NodeId, timeoutMs, od.Find(0x1280))
	if err != nil {
		return nil, err
	}
	n.SDOClient = sdoClient

	entry1001 := od.Find(0x1001)
	entry1014 := od.Find(0x1014)
	entry1003 := od.Find(0x1003)
	if entry1001 == nil || entry1014 == nil || entry1003 == nil {
		return nil, ErrOdParameters
	}
	emcy, err := NewEMCY(bus, cfg.NodeId, entry1001, entry1014, od.Find(0x1015), entry1003, od.Find(0x1002))
	if err != nil {
		return nil, err
	}
	n.EMCY = emcy

	entry1017 := od.Find(0x1017)
	if entry1017 == nil {
		return nil, ErrOdParameters
	}
	nmt, err := NewNMT(bus, emcy, cfg.NodeId, entry1017, od.Find(0x1F80))
	if err != nil {
		return nil, err
	}
	n.NMT = nmt

	entry1005 := od.Find(0x1005)
	entry1006 := od.Find(0x1006)
	entry1007 := od.Find(0x1007)
	if entry1005 != nil && entry1006 != nil && entry1007 != nil {
		sync, err := NewSync(bus, emcy, entry1005, entry1006, entry1007, od.Find(0x1019))
		if err != nil {
			return nil, err
		}
		n.Sync = sync
	}

	for i := 0; i < 4; i++ {
		commEntry := od.Find(0x1400 + uint16(i))
		mapEntry := od.Find(0x1600 + uint16(i))
		if commEntry == nil || mapEntry == nil {
			continue
		}
		rpdo, err := NewRPDO(bus, od, emcy, n.Sync, commEntry, mapEntry, rpdoCobIds[i]+uint16(cfg.NodeId))
		if err != nil {
			log.Warnf("[node] RPDO%d init failed: %v", i+1, err)
			continue
		}
		n.RPDOs = append(n.RPDOs, rpdo)
	}

	for i := 0; i < 4; i++ {
		commEntry := od.Find(0x1800 + uint16(i))
		mapEntry := od.Find(0x1A00 + uint16(i))
		if commEntry == nil || mapEntry == nil {
			continue
		}
		tpdo, err := NewTPDO(bus, od, emcy, n.Sync, commEntry, mapEntry, tpdoCobIds[i]+uint16(cfg.NodeId))
		if err != nil {
			log.Warnf("[node] TPDO%d init failed: %v", i+1, err)
			continue
		}
		n.TPDOs = append(n.TPDOs, tpdo)
	}

	n.Gateway = NewGateway(bus, sdoClient, 1, cfg.NodeId, timeoutMs)
	n.Gateway.SetLEDs(n.LEDs)

	return n, nil
}

// Process advances every engine by timeDifferenceUs, in the ordering CiA 301
// implementations conventionally use (NMT state first, since it gates
// everything else; then timing, then data movement, then error reporting),
// and returns the minimum timerNext hint across all of them. gwSink, if
// non-nil, is where the gateway's ASCII responses are flushed this tick.
func (n *Node) Process(timeDifferenceUs uint32, gwSink func([]byte) int) uint32 {
	timerNextUs := ^uint32(0)

	state := n.NMT.Process(timeDifferenceUs, &timerNextUs)
	isPreOrOperational := state == NMTPreOperational || state == NMTOperational
	isOperational := state == NMTOperational

	var syncEvent SyncEvent
	if n.Sync != nil {
		syncEvent = n.Sync.Process(isPreOrOperational, timeDifferenceUs, &timerNextUs)
	}
	syncWas := syncEvent == SyncEventRxOrTx

	for _, rpdo := range n.RPDOs {
		rpdo.Process(isOperational, syncWas)
	}
	for _, tpdo := range n.TPDOs {
		tpdo.Process(isOperational, syncWas, timeDifferenceUs, &timerNextUs)
	}

	if _, err := n.SDOServer.Process(isPreOrOperational, timeDifferenceUs, &timerNextUs); err != nil {
		log.Debugf("[node] SDO server: %v", err)
	}

	n.EMCY.Process(isPreOrOperational, timeDifferenceUs, &timerNextUs)

	n.LEDs.Process(timeDifferenceUs, state, false, false,
		false, n.EMCY.IsError(EmCANBusWarning), n.EMCY.IsError(EmRPDOTimeOut),
		n.EMCY.IsError(EmSyncTimeOut), n.EMCY.IsError(EmHeartbeatConsumer),
		n.EMCY.GetErrorRegister() != 0, &timerNextUs)

	if n.Gateway != nil && gwSink != nil {
		gw1 := timerNextUs
		n.Gateway.Process(true, timeDifferenceUs, gwSink, &gw1)
		if gw1 < timerNextUs {
			timerNextUs = gw1
		}
	}

	return timerNextUs
}

// PendingReset returns any outstanding NMT reset request the host must act
// on (re-initializing communication or the whole application).
func (n *Node) PendingReset() NMTResetCmd { return n.NMT.PendingReset() }
