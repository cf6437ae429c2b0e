package canopen

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SDOResult is the outcome of a single SDOServer.Process call.
type SDOResult uint8

const (
	SDOWaitingResponse SDOResult = iota
	SDOSuccess
	SDOBlockDownloadInProgress
	SDOBlockUploadInProgress
)

const (
	sdoClientBaseID uint16 = 0x600
	sdoServerBaseID uint16 = 0x580
)

// SDOServer implements one CiA 301 §7.2 SDO server channel: one request/
// response FSM bound to a client-to-server and server-to-client COB-ID pair,
// servicing expedited, segmented and block transfers against the shared
// ObjectDictionary.
type SDOServer struct {
	bus                        *BusManager
	od                         *ObjectDictionary
	streamer                   *streamer
	nodeId                     uint8
	txFrame                    Frame
	cobIdClientToServer        uint32
	cobIdServerToClient        uint32
	valid                      bool
	index                      uint16
	subindex                   uint8
	finished                   bool
	sizeIndicated              uint32
	sizeTransferred            uint32
	state                      SDOState
	timeoutTimeUs              uint32
	timeoutTimer               uint32
	buffer                     []byte
	bufWriteOffset             uint32
	bufReadOffset              uint32
	rxNew                      bool
	response                   sdoResponse
	toggle                     uint8
	timeoutTimeBlockTransferUs uint32
	timeoutTimerBlock          uint32
	blockSequenceNb            uint8
	blockSize                  uint8
	blockNoData                uint8
	blockCRCEnabled            bool
	blockCRC                   crc16
	errorExtraInfo             error
}

// NewSDOServer builds a server channel. When entry12xx is nil (or its index
// is 0x1200, the default channel) the COB-IDs are derived from nodeId per
// CiA 301's predefined connection set; for any other 0x1201-0x127F entry the
// COB-IDs are read back out of subindexes 1/2 and an extension is installed
// so later SDO writes to that entry reconfigure the channel live.
func NewSDOServer(bus *BusManager, od *ObjectDictionary, nodeId uint8, timeoutMs uint32, entry12xx *Entry) (*SDOServer, error) {
	if od == nil || bus == nil {
		return nil, ErrIllegalArgument
	}
	server := &SDOServer{
		bus:                        bus,
		od:                         od,
		streamer:                   &streamer{},
		buffer:                     make([]byte, 1000),
		nodeId:                     nodeId,
		timeoutTimeUs:              timeoutMs * 1000,
		timeoutTimeBlockTransferUs: timeoutMs * 700,
	}

	var canIdC2S, canIdS2C uint16
	switch {
	case entry12xx == nil || entry12xx.Index == 0x1200:
		if nodeId < 1 || nodeId > 127 {
			return nil, fmt.Errorf("SDO server node id x%x out of range: %w", nodeId, ErrIllegalArgument)
		}
		canIdC2S = sdoClientBaseID + uint16(nodeId)
		canIdS2C = sdoServerBaseID + uint16(nodeId)
		server.valid = true
		if entry12xx != nil {
			entry12xx.PutUint32(1, uint32(canIdC2S))
			entry12xx.PutUint32(2, uint32(canIdS2C))
		}
	case entry12xx.Index > 0x1200 && entry12xx.Index <= 0x1200+0x7F:
		var maxSub uint8
		var cobC2S, cobS2C uint32
		if ret := entry12xx.GetUint8(0, &maxSub); ret != ODR_OK || (maxSub != 2 && maxSub != 3) {
			return nil, ErrOdParameters
		}
		if ret := entry12xx.GetUint32(1, &cobC2S); ret != ODR_OK {
			return nil, ErrOdParameters
		}
		if ret := entry12xx.GetUint32(2, &cobS2C); ret != ODR_OK {
			return nil, ErrOdParameters
		}
		if cobC2S&0x80000000 == 0 {
			canIdC2S = uint16(cobC2S & 0x7FF)
		}
		if cobS2C&0x80000000 == 0 {
			canIdS2C = uint16(cobS2C & 0x7FF)
		}
		entry12xx.AddExtension(&Extension{Object: server, Read: readEntryDefault, Write: writeEntrySDOServerParam})
	default:
		return nil, ErrIllegalArgument
	}

	return server, server.initRxTx(uint32(canIdC2S), uint32(canIdS2C))
}

// writeEntrySDOServerParam lets an SDO write to 0x1201+ subindex 1/2
// reconfigure the matching server channel, keyed off the Extension.Object
// installed in NewSDOServer.
func writeEntrySDOServerParam(stream *Stream, src []byte, countWritten *uint16) ODR {
	ret := writeEntryDefault(stream, src, countWritten)
	if ret != ODR_OK {
		return ret
	}
	server, ok := stream.Object.(*SDOServer)
	if !ok || stream.Subindex != 1 && stream.Subindex != 2 {
		return ODR_OK
	}
	cobC2S := server.cobIdClientToServer
	cobS2C := server.cobIdServerToClient
	if stream.Subindex == 1 {
		cobC2S = binary.LittleEndian.Uint32(stream.Data)
	} else {
		cobS2C = binary.LittleEndian.Uint32(stream.Data)
	}
	if err := server.initRxTx(cobC2S, cobS2C); err != nil {
		return ODR_INVALID_VALUE
	}
	return ODR_OK
}

func (server *SDOServer) initRxTx(cobIdClientToServer, cobIdServerToClient uint32) error {
	if cobIdServerToClient == server.cobIdServerToClient && cobIdClientToServer == server.cobIdClientToServer {
		return nil
	}
	server.cobIdClientToServer = cobIdClientToServer
	server.cobIdServerToClient = cobIdServerToClient

	var idC2S, idS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		idC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		idS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if idC2S != 0 && idS2C != 0 {
		server.valid = true
	} else {
		idC2S, idS2C = 0, 0
		server.valid = false
	}
	if err := server.bus.Subscribe(uint32(idC2S), 0x7FF, false, server); err != nil {
		server.valid = false
		return err
	}
	server.txFrame = NewFrame(uint32(idS2C), 8, nil)
	return nil
}

// Handle is the BusManager callback for frames addressed to this server's
// client-to-server COB-ID.
func (server *SDOServer) Handle(frame Frame) {
	if frame.DLC != 8 {
		return
	}
	switch {
	case frame.Data[0] == csAbort:
		server.state = StateIdle
		abortCode := binary.LittleEndian.Uint32(frame.Data[4:])
		log.Warnf("[sdo-server][rx] client abort x%x:x%x: x%08x (%v)", server.index, server.subindex, abortCode, SDOAbortCode(abortCode))
	case server.rxNew:
		log.Debug("[sdo-server][rx] dropping frame, previous request still pending")
	case server.state == StateUploadBlkEndCrsp && frame.Data[0] == scsBlkEnd:
		server.state = StateIdle
	case server.state == StateDownloadBlkSubblockReq:
		server.handleBlockDownloadSubblock(frame)
	case server.state == StateDownloadBlkSubblockRsp:
		// a response to the previous sub-block is already queued; ignore
	default:
		server.response.raw = frame.Data
		server.rxNew = true
	}
}

func (server *SDOServer) handleBlockDownloadSubblock(frame Frame) {
	if int(server.bufWriteOffset) > len(server.buffer)-(7+2) {
		return
	}
	next := StateDownloadBlkSubblockReq
	seqno := frame.Data[0] & blkSeqnoMask
	server.timeoutTimer = 0
	server.timeoutTimerBlock = 0

	switch {
	case seqno <= server.blockSize && seqno == server.blockSequenceNb+1:
		server.blockSequenceNb = seqno
		copy(server.buffer[server.bufWriteOffset:], frame.Data[1:])
		server.bufWriteOffset += 7
		server.sizeTransferred += 7
		switch {
		case frame.Data[0]&blkSeqnoLastBit != 0:
			server.finished = true
			next = StateDownloadBlkSubblockRsp
		case seqno == server.blockSize:
			next = StateDownloadBlkSubblockRsp
		}
	case seqno != server.blockSequenceNb && server.blockSequenceNb != 0:
		next = StateDownloadBlkSubblockRsp
		log.Warnf("[sdo-server][rx] wrong sub-block seqno %d, previous %d", seqno, server.blockSequenceNb)
	default:
		log.Debugf("[sdo-server][rx] ignoring duplicate sub-block seqno %d", seqno)
	}

	if next != StateDownloadBlkSubblockReq {
		server.rxNew = false
		server.state = next
	}
}

func sdoRequestState(cs byte) (state SDOState, upload bool, abort SDOAbortCode, ok bool) {
	switch {
	case cs&0xF0 == ccsDownloadInitiate:
		return StateDownloadInitiateReq, false, 0, true
	case cs == ccsUploadInitiate:
		return StateUploadInitiateReq, true, 0, true
	case cs&0xF9 == ccsDownloadBlkInit:
		return StateDownloadBlkInitiateReq, false, 0, true
	case cs&0xFB == ccsUploadBlkInit:
		return StateUploadBlkInitiateReq, true, 0, true
	default:
		return StateAbort, false, AbortCmd, false
	}
}

// Process advances the server's state machine by timeDifferenceUs of
// elapsed time, servicing at most one received request. timerNextUs, if
// non-nil, is lowered to the number of microseconds until the caller must
// call Process again even absent new traffic (timeout bookkeeping).
func (server *SDOServer) Process(nmtIsPreOrOperational bool, timeDifferenceUs uint32, timerNextUs *uint32) (SDOResult, error) {
	result := SDOWaitingResponse
	var abortCode error

	switch {
	case server.valid && server.state == StateIdle && !server.rxNew:
		result = SDOSuccess
	case !nmtIsPreOrOperational || !server.valid:
		server.state = StateIdle
		server.rxNew = false
		result = SDOSuccess
	case server.rxNew:
		abortCode = server.handleRequest()
		server.timeoutTimer = 0
		server.rxNew = false
	}

	if result == SDOWaitingResponse {
		if server.timeoutTimer < server.timeoutTimeUs {
			server.timeoutTimer += timeDifferenceUs
		}
		if server.timeoutTimer >= server.timeoutTimeUs {
			abortCode = AbortTimeout
			server.state = StateAbort
			log.Errorf("[sdo-server] timeout in state %v", server.state)
		} else if timerNextUs != nil {
			if diff := server.timeoutTimeUs - server.timeoutTimer; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
		if server.state == StateDownloadBlkSubblockReq {
			if server.timeoutTimerBlock < server.timeoutTimeBlockTransferUs {
				server.timeoutTimerBlock += timeDifferenceUs
			}
			if server.timeoutTimerBlock >= server.timeoutTimeBlockTransferUs {
				server.state = StateDownloadBlkSubblockRsp
				server.rxNew = false
			} else if timerNextUs != nil {
				if diff := server.timeoutTimeBlockTransferUs - server.timeoutTimerBlock; *timerNextUs > diff {
					*timerNextUs = diff
				}
			}
		}
	}

	if result == SDOWaitingResponse {
		abortCode = server.sendResponse(abortCode, &result, timerNextUs)
	}

	if result == SDOWaitingResponse {
		switch server.state {
		case StateAbort:
			code, ok := abortCode.(SDOAbortCode)
			if !ok {
				log.Errorf("[sdo-server] internal abort with non-SDO error: %v", abortCode)
				code = AbortGeneral
			}
			server.sendAbort(code)
			server.state = StateIdle
		case StateDownloadBlkSubblockReq:
			result = SDOBlockDownloadInProgress
		case StateUploadBlkSubblockSreq:
			result = SDOBlockUploadInProgress
		}
	}
	return result, abortCode
}

func (server *SDOServer) handleRequest() error {
	response := server.response
	var abortCode error
	upload := false

	if server.state == StateIdle {
		var state SDOState
		var ok bool
		var code SDOAbortCode
		state, upload, code, ok = sdoRequestState(response.raw[0])
		server.state = state
		if !ok {
			abortCode = code
		} else {
			server.index = response.index()
			server.subindex = response.subindex()
			var ret ODR
			server.streamer, ret = newStreamer(server.od.Find(server.index), server.subindex, false)
			if ret != ODR_OK {
				abortCode = ret.SDOAbortCode()
				server.state = StateAbort
			} else {
				attr := server.streamer.stream.Attribute
				switch {
				case attr&ODA_SDO_RW == 0:
					abortCode = AbortUnsupportedAccess
					server.state = StateAbort
				case upload && attr&ODA_SDO_R == 0:
					abortCode = AbortWriteOnly
					server.state = StateAbort
				case !upload && attr&ODA_SDO_W == 0:
					abortCode = AbortReadOnly
					server.state = StateAbort
				}
			}
		}
		if upload && abortCode == nil {
			abortCode = server.primeUpload()
		}
	}

	if abortCode != nil || server.state == StateIdle || server.state == StateAbort {
		return abortCode
	}
	return server.dispatchRequest(response)
}

func (server *SDOServer) primeUpload() error {
	server.bufReadOffset, server.bufWriteOffset, server.sizeTransferred = 0, 0, 0
	server.finished = false
	if abortCode := server.readObjectDictionary(7, false); abortCode != nil {
		return abortCode
	}
	if server.finished {
		server.sizeIndicated = server.streamer.stream.DataLength
		if server.sizeIndicated == 0 {
			server.sizeIndicated = server.bufWriteOffset
		} else if server.sizeIndicated != server.bufWriteOffset {
			server.errorExtraInfo = fmt.Errorf("indicated size %d != buffered %d", server.sizeIndicated, server.bufWriteOffset)
			server.state = StateAbort
			return AbortDeviceIncompat
		}
	} else if server.streamer.stream.Attribute&ODA_STR == 0 {
		server.sizeIndicated = server.streamer.stream.DataLength
	} else {
		server.sizeIndicated = 0
	}
	return nil
}

func (server *SDOServer) dispatchRequest(response sdoResponse) error {
	var abortCode error
	switch server.state {
	case StateDownloadInitiateReq:
		abortCode = server.handleDownloadInitiate(response)
	case StateDownloadSegmentReq:
		abortCode = server.handleDownloadSegment(response)
	case StateUploadInitiateReq:
		server.state = StateUploadInitiateRsp
	case StateUploadSegmentReq:
		if response.raw[0]&0xEF != scsUploadSegment {
			abortCode = AbortCmd
			server.state = StateAbort
			break
		}
		if response.toggle() != server.toggle {
			abortCode = AbortToggleBit
			server.state = StateAbort
			break
		}
		server.state = StateUploadSegmentRsp
	case StateDownloadBlkInitiateReq:
		abortCode = server.handleDownloadBlkInitiate(response)
	case StateDownloadBlkSubblockReq:
		// serviced entirely in Handle/handleBlockDownloadSubblock
	case StateDownloadBlkEndReq:
		abortCode = server.handleDownloadBlkEnd(response)
	case StateUploadBlkInitiateReq:
		abortCode = server.handleUploadBlkInitiate(response)
	case StateUploadBlkInitiateReq2:
		if response.raw[0] == csBlkSubblockAck|0x01 {
			server.blockSequenceNb = 0
			server.state = StateUploadBlkSubblockSreq
		} else {
			abortCode = AbortCmd
			server.state = StateAbort
		}
	case StateUploadBlkSubblockSreq, StateUploadBlkSubblockCrsp:
		abortCode = server.handleUploadBlkAck(response)
	default:
		abortCode = AbortCmd
		server.state = StateAbort
	}
	return abortCode
}

func (server *SDOServer) handleDownloadInitiate(response sdoResponse) error {
	raw := response.raw
	if raw[0]&0x02 != 0 {
		varSize := server.streamer.stream.DataLength
		n := 4
		if raw[0]&0x01 != 0 {
			n -= int(raw[0]>>2) & 0x03
		} else if varSize > 0 && varSize < 4 {
			n = int(varSize)
		}
		buf := make([]byte, 6)
		copy(buf, raw[4:4+n])
		switch {
		case server.streamer.stream.Attribute&ODA_STR != 0 && (varSize == 0 || uint32(n) < varSize):
			if delta := varSize - uint32(n); delta == 1 {
				n++
			} else {
				n += 2
			}
			server.streamer.stream.DataLength = uint32(n)
		case varSize == 0:
			server.streamer.stream.DataLength = uint32(n)
		case n != int(varSize):
			if n > int(varSize) {
				server.state = StateAbort
				return AbortDataLong
			}
			server.state = StateAbort
			return AbortDataShort
		}
		if _, ret := server.streamer.Write(buf[:n]); ret != ODR_OK {
			server.state = StateAbort
			return ret.SDOAbortCode()
		}
		server.state = StateDownloadInitiateRsp
		server.finished = true
		return nil
	}

	if raw[0]&0x01 != 0 {
		sizeInOD := server.streamer.stream.DataLength
		server.sizeIndicated = binary.LittleEndian.Uint32(raw[4:])
		if sizeInOD > 0 {
			if server.sizeIndicated > sizeInOD {
				server.state = StateAbort
				return AbortDataLong
			}
			if server.sizeIndicated < sizeInOD && server.streamer.stream.Attribute&ODA_STR == 0 {
				server.state = StateAbort
				return AbortDataShort
			}
		}
	} else {
		server.sizeIndicated = 0
	}
	server.state = StateDownloadInitiateRsp
	server.finished = false
	return nil
}

func (server *SDOServer) handleDownloadSegment(response sdoResponse) error {
	raw := response.raw
	if raw[0]&0xE0 != ccsDownloadSegment {
		server.state = StateAbort
		return AbortCmd
	}
	server.finished = raw[0]&0x01 != 0
	if response.toggle() != server.toggle {
		server.state = StateAbort
		return AbortToggleBit
	}
	n := 7 - ((raw[0] >> 1) & 0x07)
	copy(server.buffer[server.bufWriteOffset:], raw[1:1+n])
	server.bufWriteOffset += uint32(n)
	server.sizeTransferred += uint32(n)
	if server.streamer.stream.DataLength > 0 && server.sizeTransferred > server.streamer.stream.DataLength {
		server.state = StateAbort
		return AbortDataLong
	}
	if server.finished || len(server.buffer)-int(server.bufWriteOffset) < 7+2 {
		if abortCode := server.writeObjectDictionary(0, 0); abortCode != nil {
			return abortCode
		}
	}
	server.state = StateDownloadSegmentRsp
	return nil
}

func (server *SDOServer) handleDownloadBlkInitiate(response sdoResponse) error {
	raw := response.raw
	server.blockCRCEnabled = response.crcEnabled()
	if raw[0]&0x02 != 0 {
		sizeInOD := server.streamer.stream.DataLength
		server.sizeIndicated = binary.LittleEndian.Uint32(raw[4:])
		if sizeInOD > 0 {
			if server.sizeIndicated > sizeInOD {
				server.state = StateAbort
				return AbortDataLong
			}
			if server.sizeIndicated < sizeInOD && server.streamer.stream.Attribute&ODA_STR == 0 {
				server.state = StateAbort
				return AbortDataShort
			}
		}
	} else {
		server.sizeIndicated = 0
	}
	server.state = StateDownloadBlkInitiateRsp
	server.finished = false
	return nil
}

func (server *SDOServer) handleDownloadBlkEnd(response sdoResponse) error {
	raw := response.raw
	if raw[0]&0xE3 != ccsBlkEnd {
		server.state = StateAbort
		return AbortCmd
	}
	noData := (raw[0] >> 2) & 0x07
	if server.bufWriteOffset <= uint32(noData) {
		server.errorExtraInfo = fmt.Errorf("inconsistent block end: offset %d, noData %d", server.bufWriteOffset, noData)
		server.state = StateAbort
		return AbortDeviceIncompat
	}
	server.sizeTransferred -= uint32(noData)
	server.bufWriteOffset -= uint32(noData)
	var clientCRC crc16
	if server.blockCRCEnabled {
		clientCRC = crc16{value: response.clientCRC()}
	}
	if abortCode := server.writeObjectDictionary(2, clientCRC); abortCode != nil {
		return abortCode
	}
	server.state = StateDownloadBlkEndRsp
	return nil
}

func (server *SDOServer) handleUploadBlkInitiate(response sdoResponse) error {
	raw := response.raw
	if server.sizeIndicated > 0 && raw[5] > 0 && uint32(raw[5]) >= server.sizeIndicated {
		server.state = StateUploadInitiateRsp
		return nil
	}
	if raw[0]&0x04 != 0 {
		server.blockCRCEnabled = true
		server.blockCRC = crc16{}
		server.blockCRC.ccittBlock(server.buffer[:server.bufWriteOffset])
	} else {
		server.blockCRCEnabled = false
	}
	server.blockSize = response.blockSize()
	if server.blockSize < 1 || server.blockSize > 127 {
		server.state = StateAbort
		return AbortInvalidBlockSize
	}
	if !server.finished && server.bufWriteOffset < uint32(server.blockSize)*7 {
		server.state = StateAbort
		return AbortInvalidBlockSize
	}
	server.state = StateUploadBlkInitiateRsp
	return nil
}

func (server *SDOServer) handleUploadBlkAck(response sdoResponse) error {
	raw := response.raw
	if raw[0] != csBlkSubblockAck {
		server.state = StateAbort
		return AbortCmd
	}
	server.blockSize = raw[2]
	if server.blockSize < 1 || server.blockSize > 127 {
		server.state = StateAbort
		return AbortInvalidBlockSize
	}
	ackSeqno := response.ackSeqno()
	switch {
	case ackSeqno < server.blockSequenceNb:
		failed := uint32(server.blockSequenceNb-ackSeqno)*7 - uint32(server.blockNoData)
		server.bufReadOffset -= failed
		server.sizeTransferred -= failed
	case ackSeqno > server.blockSequenceNb:
		server.state = StateAbort
		return AbortCmd
	}
	if abortCode := server.readObjectDictionary(uint32(server.blockSize)*7, true); abortCode != nil {
		return abortCode
	}
	if server.bufWriteOffset == server.bufReadOffset {
		server.state = StateUploadBlkEndSreq
	} else {
		server.blockSequenceNb = 0
		server.state = StateUploadBlkSubblockSreq
	}
	return nil
}

func (server *SDOServer) sendResponse(abortCode error, result *SDOResult, timerNextUs *uint32) error {
	server.txFrame.Data = [8]byte{}
	switch server.state {
	case StateDownloadInitiateRsp:
		server.txFrame.Data[0] = scsDownloadInitiate
		server.putIndexSub()
		server.timeoutTimer = 0
		server.bus.Send(server.txFrame)
		if server.finished {
			server.state = StateIdle
			*result = SDOSuccess
		} else {
			server.toggle = 0
			server.sizeTransferred, server.bufWriteOffset, server.bufReadOffset = 0, 0, 0
			server.state = StateDownloadSegmentReq
		}

	case StateDownloadSegmentRsp:
		server.txFrame.Data[0] = scsDownloadSegment | server.toggle
		server.toggle ^= toggleBit
		server.timeoutTimer = 0
		server.bus.Send(server.txFrame)
		if server.finished {
			server.state = StateIdle
			*result = SDOSuccess
		} else {
			server.state = StateDownloadSegmentReq
		}

	case StateUploadInitiateRsp:
		return server.sendUploadInitiate(result)

	case StateUploadSegmentRsp:
		return server.sendUploadSegment(result)

	case StateDownloadBlkInitiateRsp:
		server.txFrame.Data[0] = 0xA4
		server.putIndexSub()
		count := (len(server.buffer) - 2) / 7
		if count > 127 {
			count = 127
		}
		server.blockSize = uint8(count)
		server.txFrame.Data[4] = server.blockSize
		server.sizeTransferred, server.finished = 0, false
		server.bufReadOffset, server.bufWriteOffset, server.blockSequenceNb = 0, 0, 0
		server.blockCRC = crc16{}
		server.timeoutTimer, server.timeoutTimerBlock = 0, 0
		server.state = StateDownloadBlkSubblockReq
		server.rxNew = false
		server.bus.Send(server.txFrame)

	case StateDownloadBlkSubblockRsp:
		return server.sendBlkSubblockAck(&abortCode)

	case StateDownloadBlkEndRsp:
		server.txFrame.Data[0] = scsBlkEnd
		server.bus.Send(server.txFrame)
		server.state = StateIdle
		*result = SDOSuccess

	case StateUploadBlkInitiateRsp:
		server.txFrame.Data[0] = 0xC4
		server.putIndexSub()
		if server.sizeIndicated > 0 {
			server.txFrame.Data[0] |= 0x02
			binary.LittleEndian.PutUint32(server.txFrame.Data[4:], server.sizeIndicated)
		}
		server.timeoutTimer = 0
		server.bus.Send(server.txFrame)
		server.state = StateUploadBlkInitiateReq2

	case StateUploadBlkSubblockSreq:
		return server.sendUploadBlkSubblock(timerNextUs)

	case StateUploadBlkEndSreq:
		server.txFrame.Data[0] = scsBlkEnd | server.blockNoData<<2
		binary.LittleEndian.PutUint16(server.txFrame.Data[1:3], server.blockCRC.get())
		server.timeoutTimer = 0
		server.bus.Send(server.txFrame)
		server.state = StateUploadBlkEndCrsp
	}
	return abortCode
}

func (server *SDOServer) putIndexSub() {
	binary.LittleEndian.PutUint16(server.txFrame.Data[1:3], server.index)
	server.txFrame.Data[3] = server.subindex
}

func (server *SDOServer) sendUploadInitiate(result *SDOResult) error {
	if server.sizeIndicated > 0 && server.sizeIndicated <= 4 {
		server.txFrame.Data[0] = 0x43 | (4-byte(server.sizeIndicated))<<2
		copy(server.txFrame.Data[4:], server.buffer[:server.sizeIndicated])
		server.state = StateIdle
		*result = SDOSuccess
	} else {
		if server.sizeIndicated > 0 {
			server.txFrame.Data[0] = 0x41
			binary.LittleEndian.PutUint32(server.txFrame.Data[4:], server.sizeIndicated)
		} else {
			server.txFrame.Data[0] = 0x40
		}
		server.toggle = 0
		server.timeoutTimer = 0
		server.state = StateUploadSegmentReq
	}
	server.putIndexSub()
	server.bus.Send(server.txFrame)
	return nil
}

func (server *SDOServer) sendUploadSegment(result *SDOResult) error {
	if abortCode := server.readObjectDictionary(7, false); abortCode != nil {
		return abortCode
	}
	server.txFrame.Data[0] = server.toggle
	server.toggle ^= toggleBit
	count := server.bufWriteOffset - server.bufReadOffset
	if count < 7 || (server.finished && count == 7) {
		server.txFrame.Data[0] |= byte(7-count)<<1 | 0x01
		server.state = StateIdle
		*result = SDOSuccess
	} else {
		server.timeoutTimer = 0
		server.state = StateUploadSegmentReq
		count = 7
	}
	copy(server.txFrame.Data[1:], server.buffer[server.bufReadOffset:server.bufReadOffset+count])
	server.bufReadOffset += count
	server.sizeTransferred += count
	if server.sizeIndicated > 0 {
		if server.sizeTransferred > server.sizeIndicated {
			server.state = StateAbort
			return AbortDataLong
		}
		if *result == SDOSuccess && server.sizeTransferred < server.sizeIndicated {
			*result = SDOWaitingResponse
			server.state = StateAbort
			return AbortDataShort
		}
	}
	server.bus.Send(server.txFrame)
	return nil
}

func (server *SDOServer) sendBlkSubblockAck(abortCode *error) error {
	server.txFrame.Data[0] = csBlkSubblockAck
	server.txFrame.Data[1] = server.blockSequenceNb
	if server.finished {
		server.state = StateDownloadBlkEndReq
	} else {
		count := (len(server.buffer) - 2 - int(server.bufWriteOffset)) / 7
		if count > 127 {
			count = 127
		} else if server.bufWriteOffset > 0 {
			if err := server.writeObjectDictionary(1, crc16{}); err != nil {
				*abortCode = err
				return *abortCode
			}
			count = (len(server.buffer) - 2 - int(server.bufWriteOffset)) / 7
			if count > 127 {
				count = 127
			}
		}
		server.blockSize = uint8(count)
		server.blockSequenceNb = 0
		server.state = StateDownloadBlkSubblockReq
		server.rxNew = false
	}
	server.txFrame.Data[2] = server.blockSize
	server.timeoutTimerBlock = 0
	server.bus.Send(server.txFrame)
	return nil
}

func (server *SDOServer) sendUploadBlkSubblock(timerNextUs *uint32) error {
	server.blockSequenceNb++
	server.txFrame.Data[0] = server.blockSequenceNb
	count := server.bufWriteOffset - server.bufReadOffset
	if count < 7 || (server.finished && count == 7) {
		server.txFrame.Data[0] |= blkSeqnoLastBit
	} else {
		count = 7
	}
	copy(server.txFrame.Data[1:], server.buffer[server.bufReadOffset:server.bufReadOffset+count])
	server.bufReadOffset += count
	server.blockNoData = byte(7 - count)
	server.sizeTransferred += count
	if server.sizeIndicated > 0 {
		if server.sizeTransferred > server.sizeIndicated {
			server.state = StateAbort
			return AbortDataLong
		}
		if server.bufReadOffset == server.bufWriteOffset && server.sizeTransferred < server.sizeIndicated {
			server.state = StateAbort
			return AbortDataShort
		}
	}
	if server.bufWriteOffset == server.bufReadOffset || server.blockSequenceNb >= server.blockSize {
		server.state = StateUploadBlkSubblockCrsp
	} else if timerNextUs != nil {
		*timerNextUs = 0
	}
	server.timeoutTimer = 0
	server.bus.Send(server.txFrame)
	return nil
}

func (server *SDOServer) writeObjectDictionary(crcOperation int, clientCRC crc16) error {
	originalOffset := server.bufWriteOffset

	if server.finished {
		if server.sizeIndicated > 0 && server.sizeTransferred > server.sizeIndicated {
			server.state = StateAbort
			return AbortDataLong
		}
		if server.sizeIndicated > 0 && server.sizeTransferred < server.sizeIndicated {
			server.state = StateAbort
			return AbortDataShort
		}
		varSize := server.streamer.stream.DataLength
		switch {
		case server.streamer.stream.Attribute&ODA_STR != 0 && (varSize == 0 || server.sizeTransferred < varSize) &&
			int(server.bufWriteOffset+2) <= len(server.buffer):
			server.buffer[server.bufWriteOffset] = 0
			server.bufWriteOffset++
			server.sizeTransferred++
			if varSize == 0 || server.sizeTransferred < varSize {
				server.buffer[server.bufWriteOffset] = 0
				server.bufWriteOffset++
				server.sizeTransferred++
			}
			server.streamer.stream.DataLength = server.sizeTransferred
		case varSize == 0:
			server.streamer.stream.DataLength = server.sizeTransferred
		case server.sizeTransferred != varSize:
			if server.sizeTransferred > varSize {
				server.state = StateAbort
				return AbortDataLong
			}
			server.state = StateAbort
			return AbortDataShort
		}
	} else if server.sizeIndicated > 0 && server.sizeTransferred > server.sizeIndicated {
		server.state = StateAbort
		return AbortDataLong
	}

	if server.blockCRCEnabled && crcOperation > 0 {
		server.blockCRC.ccittBlock(server.buffer[:originalOffset])
		if crcOperation == 2 && clientCRC != server.blockCRC {
			server.state = StateAbort
			server.errorExtraInfo = fmt.Errorf("block CRC mismatch: expected %v, got %v", server.blockCRC, clientCRC)
			return AbortCRC
		}
	}

	_, ret := server.streamer.Write(server.buffer[:server.bufWriteOffset])
	server.bufWriteOffset = 0
	switch {
	case ret != ODR_OK && ret != ODR_PARTIAL:
		server.state = StateAbort
		return ret.SDOAbortCode()
	case server.finished && ret == ODR_PARTIAL:
		server.state = StateAbort
		return AbortDataShort
	case !server.finished && ret == ODR_OK:
		server.state = StateAbort
		return AbortDataLong
	}
	return nil
}

func (server *SDOServer) readObjectDictionary(countMinimum uint32, calculateCRC bool) error {
	buffered := server.bufWriteOffset - server.bufReadOffset
	if server.finished || buffered >= countMinimum {
		return nil
	}
	copy(server.buffer, server.buffer[server.bufReadOffset:server.bufReadOffset+buffered])
	server.bufReadOffset = 0
	server.bufWriteOffset = buffered

	countRead, ret := server.streamer.Read(server.buffer[buffered:])
	if ret != ODR_OK && ret != ODR_PARTIAL {
		server.state = StateAbort
		return ret.SDOAbortCode()
	}

	if countRead > 0 && server.streamer.stream.Attribute&ODA_STR != 0 {
		server.buffer[countRead+int(buffered)] = 0
		countStr := int(server.streamer.stream.DataLength)
		for i, v := range server.buffer[buffered:] {
			if v == 0 {
				countStr = i
				break
			}
		}
		if countStr == 0 {
			countStr = 1
		}
		if countStr < countRead {
			countRead = countStr
			ret = ODR_OK
			server.streamer.stream.DataLength = server.sizeTransferred + uint32(countRead)
		}
	}

	server.bufWriteOffset = buffered + uint32(countRead)
	if server.bufWriteOffset == 0 || ret == ODR_PARTIAL {
		server.finished = false
		if server.bufWriteOffset < countMinimum {
			server.state = StateAbort
			server.errorExtraInfo = fmt.Errorf("buffered %d below minimum %d", server.bufWriteOffset, countMinimum)
			return AbortDeviceIncompat
		}
	} else {
		server.finished = true
	}
	if calculateCRC && server.blockCRCEnabled {
		server.blockCRC.ccittBlock(server.buffer[buffered:server.bufWriteOffset])
	}
	return nil
}

func (server *SDOServer) sendAbort(code SDOAbortCode) {
	code.AppendTo(server.txFrame.Data[:], server.index, server.subindex)
	server.bus.Send(server.txFrame)
	log.Warnf("[sdo-server][tx] abort x%x:x%x: %v (x%08x)", server.index, server.subindex, code, uint32(code))
	if server.errorExtraInfo != nil {
		log.Warnf("[sdo-server][tx] abort detail: %v", server.errorExtraInfo)
		server.errorExtraInfo = nil
	}
}
