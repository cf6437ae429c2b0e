package canopen

import (
	"encoding/binary"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

const sdoClientBufferSize = 1000

// Protocol switch threshold advertised in block upload initiate: servers may
// fall back to segmented transfer below this many bytes. CiA 301 leaves the
// exact value to the implementation; 21 matches the teacher's constant.
const sdoClientProtocolSwitchThreshold = 21

// SDOClient implements one CiA 301 §7.2 SDO client channel. A single
// instance is reused across consecutive transfers to possibly different
// servers (setupServer reconfigures the COB-ID pair when it changes).
type SDOClient struct {
	od                         *ObjectDictionary
	streamer                   *streamer
	nodeId                     uint8
	bus                        *BusManager
	txFrame                    Frame
	cobIdClientToServer        uint32
	cobIdServerToClient        uint32
	nodeIdServer               uint8
	valid                      bool
	index                      uint16
	subindex                   uint8
	finished                   bool
	sizeIndicated              uint32
	sizeTransferred            uint32
	state                      SDOState
	timeoutTimeUs              uint32
	timeoutTimer               uint32
	fifo                       *Fifo
	rxNew                      bool
	response                   sdoResponse
	toggle                     uint8
	timeoutTimeBlockTransferUs uint32
	timeoutTimerBlock          uint32
	blockSequenceNb            uint8
	blockSize                  uint8
	blockNoData                uint8
	blockCRCEnabled            bool
	blockDataUploadLast        [7]byte
	blockCRC                   crc16
}

// NewSDOClient builds a client channel. entry1280, when non-nil, must be a
// 0x1280-0x12FF SDO client parameter entry already populated with COB-IDs
// and the target node id; an extension is installed so later SDO writes to
// it reconfigure the channel.
func NewSDOClient(bus *BusManager, od *ObjectDictionary, nodeId uint8, timeoutMs uint32, entry1280 *Entry) (*SDOClient, error) {
	if bus == nil {
		return nil, ErrIllegalArgument
	}
	if entry1280 != nil && (entry1280.Index < 0x1280 || entry1280.Index > 0x1280+0x7F) {
		return nil, ErrIllegalArgument
	}
	client := &SDOClient{
		bus:                        bus,
		od:                         od,
		nodeId:                     nodeId,
		streamer:                   &streamer{},
		fifo:                       NewFifo(1000),
		timeoutTimeUs:              timeoutMs * 1000,
		timeoutTimeBlockTransferUs: timeoutMs * 1000,
	}

	var nodeIdServer uint8
	var cobC2S, cobS2C uint32
	if entry1280 != nil {
		var maxSub uint8
		e1 := entry1280.GetUint8(0, &maxSub)
		e2 := entry1280.GetUint32(1, &cobC2S)
		e3 := entry1280.GetUint32(2, &cobS2C)
		e4 := entry1280.GetUint8(3, &nodeIdServer)
		if e1 != ODR_OK || e2 != ODR_OK || e3 != ODR_OK || e4 != ODR_OK || maxSub != 3 {
			return nil, ErrOdParameters
		}
		entry1280.AddExtension(&Extension{Object: client, Read: readEntryDefault, Write: writeEntrySDOClientParam})
	}

	if err := client.setupServer(cobC2S, cobS2C, nodeIdServer); err != nil {
		return nil, err
	}
	return client, nil
}

func writeEntrySDOClientParam(stream *Stream, src []byte, countWritten *uint16) ODR {
	ret := writeEntryDefault(stream, src, countWritten)
	if ret != ODR_OK {
		return ret
	}
	client, ok := stream.Object.(*SDOClient)
	if !ok {
		return ODR_OK
	}
	switch stream.Subindex {
	case 1:
		client.setupServer(binary.LittleEndian.Uint32(stream.Data), client.cobIdServerToClient, client.nodeIdServer)
	case 2:
		client.setupServer(client.cobIdClientToServer, binary.LittleEndian.Uint32(stream.Data), client.nodeIdServer)
	case 3:
		client.nodeIdServer = stream.Data[0]
	}
	return ODR_OK
}

func (client *SDOClient) setupServer(cobIdClientToServer, cobIdServerToClient uint32, nodeIdServer uint8) error {
	client.state = StateIdle
	client.rxNew = false
	client.nodeIdServer = nodeIdServer
	if client.cobIdClientToServer == cobIdClientToServer && client.cobIdServerToClient == cobIdServerToClient {
		return nil
	}
	client.cobIdClientToServer = cobIdClientToServer
	client.cobIdServerToClient = cobIdServerToClient

	var idC2S, idS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		idC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		idS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	if idC2S != 0 && idS2C != 0 {
		client.valid = true
	} else {
		idC2S, idS2C = 0, 0
		client.valid = false
	}
	if err := client.bus.Subscribe(uint32(idS2C), 0x7FF, false, client); err != nil {
		return err
	}
	client.txFrame = NewFrame(uint32(idC2S), 8, nil)
	return nil
}

// Handle is the BusManager callback for frames from this client's server.
func (client *SDOClient) Handle(frame Frame) {
	if client.state == StateIdle || frame.DLC != 8 {
		return
	}
	if client.rxNew && frame.Data[0] != csAbort {
		return
	}
	if frame.Data[0] == csAbort || (client.state != StateUploadBlkSubblockSreq && client.state != StateUploadBlkSubblockCrsp) {
		client.response.raw = frame.Data
		client.rxNew = true
		return
	}
	client.handleBlockUploadSubblock(frame)
}

func (client *SDOClient) handleBlockUploadSubblock(frame Frame) {
	next := StateUploadBlkSubblockSreq
	seqno := frame.Data[0] & blkSeqnoMask
	client.timeoutTimer = 0
	client.timeoutTimerBlock = 0

	switch {
	case seqno <= client.blockSize && seqno == client.blockSequenceNb+1:
		client.blockSequenceNb = seqno
		if frame.Data[0]&blkSeqnoLastBit != 0 {
			copy(client.blockDataUploadLast[:], frame.Data[1:])
			client.finished = true
			next = StateUploadBlkSubblockCrsp
		} else {
			client.fifo.Write(frame.Data[1:], &client.blockCRC)
			client.sizeTransferred += 7
			if seqno == client.blockSize {
				next = StateUploadBlkSubblockCrsp
			}
		}
	case seqno != client.blockSequenceNb && client.blockSequenceNb != 0:
		next = StateUploadBlkSubblockCrsp
		log.Warnf("[sdo-client][rx] wrong sub-block seqno %d, previous %d", seqno, client.blockSequenceNb)
	default:
		log.Debugf("[sdo-client][rx] ignoring duplicate sub-block seqno %d", seqno)
	}

	if next != StateUploadBlkSubblockSreq {
		client.rxNew = false
		client.state = next
	}
}

// ---------------------------------------------------------------------
// Download (client write)
// ---------------------------------------------------------------------

// downloadStart starts a new download sequence of sizeIndicated bytes for
// index/subindex, enabling block transfer when requested and the payload
// exceeds the protocol switch threshold. The client's fifo is reset here;
// the caller fills it with the data to send afterwards.
func (client *SDOClient) downloadStart(index uint16, subindex uint8, sizeIndicated uint32, blockEnabled bool) error {
	if !client.valid {
		client.valid = false
		return ErrIllegalArgument
	}
	client.index, client.subindex = index, subindex
	client.sizeIndicated = sizeIndicated
	client.sizeTransferred = 0
	client.finished = false
	client.timeoutTimer = 0
	client.fifo.Reset()

	switch {
	case client.od != nil && client.nodeId != 0 && client.nodeIdServer == client.nodeId:
		client.streamer.write = nil
		client.state = StateDownloadLocalTransfer
	case blockEnabled && (sizeIndicated == 0 || sizeIndicated > sdoClientProtocolSwitchThreshold):
		client.state = StateDownloadBlkInitiateReq
	default:
		client.state = StateDownloadInitiateReq
	}
	client.rxNew = false
	return nil
}

func (client *SDOClient) downloadMain(timeDifferenceUs uint32, abort, bufferPartial bool, timerNextUs *uint32, forceSegmented bool) (SDOResult, error) {
	result := SDOWaitingResponse
	var err error
	var abortCode error

	switch {
	case !client.valid:
		abortCode, err = AbortDeviceIncompat, ErrIllegalArgument
	case client.state == StateIdle:
		result = SDOSuccess
	case client.state == StateDownloadLocalTransfer && !abort:
		var localResult SDOResult
		localResult, abortCode = client.downloadLocal(bufferPartial)
		if localResult != sdoWaitingLocalTransfer {
			client.state = StateIdle
			result = localResult
		} else if timerNextUs != nil {
			*timerNextUs = 0
		}
	case client.rxNew:
		abortCode, err = client.downloadHandleResponse(&result)
		client.timeoutTimer = 0
		client.rxNew = false
	case abort:
		abortCode = AbortDeviceIncompat
		client.state = StateAbort
	}

	if result == SDOWaitingResponse {
		if client.timeoutTimer < client.timeoutTimeUs {
			client.timeoutTimer += timeDifferenceUs
		}
		if client.timeoutTimer >= client.timeoutTimeUs {
			abortCode = AbortTimeout
			client.state = StateAbort
		} else if timerNextUs != nil {
			if diff := client.timeoutTimeUs - client.timeoutTimer; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
	}

	if result == SDOWaitingResponse {
		client.txFrame.Data = [8]byte{}
		switch client.state {
		case StateDownloadInitiateReq:
			if abortCode = client.downloadInitiate(forceSegmented); abortCode != nil {
				client.state = StateIdle
				err = abortCode
			} else {
				client.state = StateDownloadInitiateRsp
			}
		case StateDownloadSegmentReq:
			if abortCode = client.downloadSegment(bufferPartial); abortCode != nil {
				client.state = StateAbort
				err = abortCode
			} else {
				client.state = StateDownloadSegmentRsp
			}
		case StateDownloadBlkInitiateReq:
			client.downloadBlockInitiate()
			client.state = StateDownloadBlkInitiateRsp
		case StateDownloadBlkSubblockReq:
			if abortCode = client.downloadBlock(bufferPartial, timerNextUs); abortCode != nil {
				client.state = StateAbort
			}
		case StateDownloadBlkEndReq:
			client.downloadBlockEnd()
			client.state = StateDownloadBlkEndRsp
		}
	}

	if result == SDOWaitingResponse {
		switch client.state {
		case StateAbort:
			client.sendAbort(abortCode.(SDOAbortCode))
			err = abortCode
			client.state = StateIdle
		case StateDownloadBlkSubblockReq:
			result = SDOBlockDownloadInProgress
		}
	}
	return result, err
}

func (client *SDOClient) downloadHandleResponse(result *SDOResult) (error, error) {
	response := client.response
	if response.isAbort() {
		code := response.abortCode()
		client.state = StateIdle
		return code, code
	}
	if !response.isValidFor(client.state) {
		log.Warnf("[sdo-client][rx] unexpected response code x%x", response.raw[0])
		client.state = StateAbort
		return AbortCmd, nil
	}

	var abortCode error
	switch client.state {
	case StateDownloadInitiateRsp:
		if response.index() != client.index || response.subindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = StateAbort
			break
		}
		if client.finished {
			client.state = StateIdle
			*result = SDOSuccess
		} else {
			client.toggle = 0
			client.state = StateDownloadSegmentReq
		}
	case StateDownloadSegmentRsp:
		if response.toggle() != client.toggle {
			abortCode = AbortToggleBit
			client.state = StateAbort
			break
		}
		client.toggle ^= toggleBit
		if client.finished {
			client.state = StateIdle
			*result = SDOSuccess
		} else {
			client.state = StateDownloadSegmentReq
		}
	case StateDownloadBlkInitiateRsp:
		if response.index() != client.index || response.subindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = StateAbort
			break
		}
		client.blockCRC = crc16{}
		client.blockSize = response.blockSize()
		if client.blockSize < 1 || client.blockSize > 127 {
			client.blockSize = 127
		}
		client.blockSequenceNb = 0
		client.fifo.AltBegin(0)
		client.state = StateDownloadBlkSubblockReq
	case StateDownloadBlkSubblockReq, StateDownloadBlkSubblockRsp:
		switch {
		case response.ackSeqno() < client.blockSequenceNb:
			client.fifo.AltBegin(int(response.raw[1]) * 7)
			client.finished = false
		case response.ackSeqno() > client.blockSequenceNb:
			abortCode = AbortCmd
			client.state = StateAbort
			break
		}
		client.fifo.AltFinish(&client.blockCRC)
		if client.finished {
			client.state = StateDownloadBlkEndReq
		} else {
			client.blockSize = response.raw[2]
			client.blockSequenceNb = 0
			client.fifo.AltBegin(0)
			client.state = StateDownloadBlkSubblockReq
		}
	case StateDownloadBlkEndRsp:
		client.state = StateIdle
		*result = SDOSuccess
	}
	return abortCode, nil
}

func (client *SDOClient) downloadInitiate(forceSegmented bool) error {
	client.txFrame.Data[0] = ccsDownloadInitiate
	binary.LittleEndian.PutUint16(client.txFrame.Data[1:3], client.index)
	client.txFrame.Data[3] = client.subindex

	count := uint32(client.fifo.GetOccupied())
	if !forceSegmented && ((client.sizeIndicated == 0 && count <= 4) || (client.sizeIndicated > 0 && client.sizeIndicated <= 4)) {
		client.txFrame.Data[0] |= 0x02
		if count == 0 || (client.sizeIndicated > 0 && client.sizeIndicated != count) {
			client.state = StateIdle
			return AbortTypeMismatch
		}
		if client.sizeIndicated > 0 {
			client.txFrame.Data[0] |= 0x01 | byte(4-count)<<2
		}
		count = uint32(client.fifo.Read(client.txFrame.Data[4:], nil))
		client.sizeTransferred = count
		client.finished = true
	} else if client.sizeIndicated > 0 {
		client.txFrame.Data[0] |= 0x01
		binary.LittleEndian.PutUint32(client.txFrame.Data[4:], client.sizeIndicated)
	}
	client.timeoutTimer = 0
	client.bus.Send(client.txFrame)
	return nil
}

const sdoWaitingLocalTransfer SDOResult = 0xFE

// downloadLocal writes the fifo's contents directly into the co-hosted
// object dictionary, bypassing the bus entirely -- a node never has to ping
// itself over CAN to configure its own parameters.
func (client *SDOClient) downloadLocal(bufferPartial bool) (SDOResult, error) {
	if client.streamer.write == nil {
		var ret ODR
		client.streamer, ret = newStreamer(client.od.Find(client.index), client.subindex, false)
		if ret != ODR_OK {
			return 0, ret.SDOAbortCode()
		}
		if client.streamer.stream.Attribute&ODA_SDO_RW == 0 {
			return 0, AbortUnsupportedAccess
		}
		if client.streamer.stream.Attribute&ODA_SDO_W == 0 {
			return 0, AbortReadOnly
		}
		return sdoWaitingLocalTransfer, nil
	}

	buffer := make([]byte, sdoClientBufferSize+2)
	count := client.fifo.Read(buffer, nil)
	client.sizeTransferred += uint32(count)
	switch {
	case count == 0:
		return 0, AbortDeviceIncompat
	case client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated:
		client.sizeTransferred -= uint32(count)
		return 0, AbortDataLong
	case !bufferPartial && client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated:
		return 0, AbortDataShort
	case !bufferPartial:
		varSize := client.streamer.stream.DataLength
		if client.streamer.stream.Attribute&ODA_STR != 0 && (varSize == 0 || client.sizeTransferred < varSize) {
			buffer[count] = 0
			count++
			client.sizeTransferred++
			if varSize == 0 || varSize > client.sizeTransferred {
				buffer[count] = 0
				count++
				client.sizeTransferred++
			}
			client.streamer.stream.DataLength = client.sizeTransferred
		} else if varSize == 0 {
			client.streamer.stream.DataLength = client.sizeTransferred
		} else if client.sizeTransferred > varSize {
			return 0, AbortDataLong
		} else if client.sizeTransferred < varSize {
			return 0, AbortDataShort
		}
	}

	_, ret := client.streamer.Write(buffer[:count])
	switch {
	case ret != ODR_OK && ret != ODR_PARTIAL:
		return 0, ret.SDOAbortCode()
	case bufferPartial && ret == ODR_OK:
		return 0, AbortDataLong
	case !bufferPartial:
		if ret == ODR_PARTIAL {
			return 0, AbortDataShort
		}
		return SDOSuccess, nil
	default:
		return sdoWaitingLocalTransfer, nil
	}
}

func (client *SDOClient) downloadSegment(bufferPartial bool) error {
	count := uint32(client.fifo.Read(client.txFrame.Data[1:], nil))
	client.sizeTransferred += count
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.sizeTransferred -= count
		return AbortDataLong
	}
	client.txFrame.Data[0] = client.toggle | byte(7-count)<<1
	if client.fifo.GetOccupied() == 0 && !bufferPartial {
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return AbortDataShort
		}
		client.txFrame.Data[0] |= 0x01
		client.finished = true
	}
	client.timeoutTimer = 0
	client.bus.Send(client.txFrame)
	return nil
}

func (client *SDOClient) downloadBlockInitiate() {
	client.txFrame.Data[0] = 0xC4
	binary.LittleEndian.PutUint16(client.txFrame.Data[1:3], client.index)
	client.txFrame.Data[3] = client.subindex
	if client.sizeIndicated > 0 {
		client.txFrame.Data[0] |= 0x02
		binary.LittleEndian.PutUint32(client.txFrame.Data[4:], client.sizeIndicated)
	}
	client.timeoutTimer = 0
	client.bus.Send(client.txFrame)
}

func (client *SDOClient) downloadBlock(bufferPartial bool, timerNextUs *uint32) error {
	if client.fifo.AltGetOccupied() < 7 && bufferPartial {
		return nil
	}
	client.blockSequenceNb++
	client.txFrame.Data[0] = client.blockSequenceNb
	count := uint32(client.fifo.AltRead(client.txFrame.Data[1:]))
	client.blockNoData = byte(7 - count)
	client.sizeTransferred += count
	if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
		client.sizeTransferred -= count
		return AbortDataLong
	}
	switch {
	case client.fifo.AltGetOccupied() == 0 && !bufferPartial:
		if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
			return AbortDataShort
		}
		client.txFrame.Data[0] |= blkSeqnoLastBit
		client.finished = true
		client.state = StateDownloadBlkSubblockRsp
	case client.blockSequenceNb >= client.blockSize:
		client.state = StateDownloadBlkSubblockRsp
	default:
		if timerNextUs != nil {
			*timerNextUs = 0
		}
	}
	client.timeoutTimer = 0
	client.bus.Send(client.txFrame)
	return nil
}

func (client *SDOClient) downloadBlockEnd() {
	client.txFrame.Data[0] = ccsBlkEnd | client.blockNoData<<2
	binary.LittleEndian.PutUint16(client.txFrame.Data[1:3], client.blockCRC.get())
	client.timeoutTimer = 0
	client.bus.Send(client.txFrame)
}

// ---------------------------------------------------------------------
// Upload (client read)
// ---------------------------------------------------------------------

func (client *SDOClient) uploadStart(index uint16, subindex uint8, blockEnabled bool) error {
	if !client.valid {
		client.valid = false
		return ErrIllegalArgument
	}
	client.index, client.subindex = index, subindex
	client.sizeIndicated, client.sizeTransferred = 0, 0
	client.finished = false
	client.fifo.Reset()

	switch {
	case client.od != nil && client.nodeId != 0 && client.nodeIdServer == client.nodeId:
		client.streamer.read = nil
		client.state = StateUploadLocalTransfer
	case blockEnabled:
		client.state = StateUploadBlkInitiateReq
	default:
		client.state = StateUploadInitiateReq
	}
	client.rxNew = false
	return nil
}

func (client *SDOClient) upload(timeDifferenceUs uint32, abort bool, timerNextUs *uint32) (SDOResult, error) {
	result := SDOWaitingResponse
	var err error
	var abortCode error

	switch {
	case !client.valid:
		abortCode, err = AbortDeviceIncompat, ErrIllegalArgument
	case client.state == StateIdle:
		result = SDOSuccess
	case client.state == StateUploadLocalTransfer && !abort:
		var localResult SDOResult
		localResult, abortCode = client.uploadLocal()
		if localResult != sdoWaitingLocalTransfer {
			client.state = StateIdle
			result = localResult
		}
	case client.rxNew:
		abortCode, err = client.uploadHandleResponse(&result)
		client.timeoutTimer = 0
		client.rxNew = false
	case abort:
		abortCode = AbortDeviceIncompat
		client.state = StateAbort
	}

	if result == SDOWaitingResponse {
		if client.timeoutTimer < client.timeoutTimeUs {
			client.timeoutTimer += timeDifferenceUs
		}
		if client.timeoutTimer >= client.timeoutTimeUs {
			if client.state == StateUploadSegmentReq || client.state == StateUploadBlkSubblockCrsp {
				abortCode = AbortGeneral
			} else {
				abortCode = AbortTimeout
			}
			client.state = StateAbort
		} else if timerNextUs != nil {
			if diff := client.timeoutTimeUs - client.timeoutTimer; *timerNextUs > diff {
				*timerNextUs = diff
			}
		}
		if client.state == StateUploadBlkSubblockSreq {
			if client.timeoutTimerBlock < client.timeoutTimeBlockTransferUs {
				client.timeoutTimerBlock += timeDifferenceUs
			}
			if client.timeoutTimerBlock >= client.timeoutTimeBlockTransferUs {
				client.state = StateUploadBlkSubblockCrsp
				client.rxNew = false
			}
		}
	}

	if result == SDOWaitingResponse {
		client.txFrame.Data = [8]byte{}
		result = client.uploadSendRequest(result, timerNextUs, &abortCode)
	}

	if result == SDOWaitingResponse {
		switch client.state {
		case StateAbort:
			client.sendAbort(abortCode.(SDOAbortCode))
			err = abortCode
			client.state = StateIdle
		case StateUploadBlkSubblockSreq:
			result = SDOBlockUploadInProgress
		}
	}
	return result, err
}

func (client *SDOClient) uploadHandleResponse(result *SDOResult) (error, error) {
	response := client.response
	if response.isAbort() {
		code := response.abortCode()
		client.state = StateIdle
		return code, code
	}
	if !response.isValidFor(client.state) {
		client.state = StateAbort
		return AbortCmd, nil
	}

	var abortCode error
	switch client.state {
	case StateUploadInitiateRsp:
		if response.index() != client.index || response.subindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = StateAbort
			break
		}
		raw := response.raw
		if raw[0]&0x02 != 0 {
			count := uint32(4)
			if raw[0]&0x01 != 0 {
				count -= uint32(raw[0]>>2) & 0x03
			}
			client.fifo.Write(raw[4:4+count], nil)
			client.sizeTransferred = count
			client.state = StateIdle
			*result = SDOSuccess
		} else {
			if raw[0]&0x01 != 0 {
				client.sizeIndicated = binary.LittleEndian.Uint32(raw[4:])
			}
			client.toggle = 0
			client.state = StateUploadSegmentReq
		}
	case StateUploadSegmentRsp:
		if response.toggle() != client.toggle {
			abortCode = AbortToggleBit
			client.state = StateAbort
			break
		}
		client.toggle ^= toggleBit
		raw := response.raw
		count := 7 - (raw[0]>>1)&0x07
		written := client.fifo.Write(raw[1:1+count], nil)
		client.sizeTransferred += uint32(written)
		if written != int(count) {
			abortCode = AbortOutOfMem
			client.state = StateAbort
			break
		}
		if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
			abortCode = AbortDataLong
			client.state = StateAbort
			break
		}
		if raw[0]&0x01 != 0 {
			if client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated {
				abortCode = AbortDataShort
				client.state = StateAbort
			} else {
				client.state = StateIdle
				*result = SDOSuccess
			}
		} else {
			client.state = StateUploadSegmentReq
		}
	case StateUploadBlkInitiateRsp:
		if response.index() != client.index || response.subindex() != client.subindex {
			abortCode = AbortParamIncompat
			client.state = StateAbort
			break
		}
		raw := response.raw
		switch {
		case raw[0]&0xF9 == 0xC0:
			client.blockCRCEnabled = response.crcEnabled()
			if raw[0]&0x02 != 0 {
				client.sizeIndicated = binary.LittleEndian.Uint32(raw[4:])
			}
			client.state = StateUploadBlkInitiateReq2
		case raw[0]&0xF0 == 0x40:
			if raw[0]&0x02 != 0 {
				count := 4
				if raw[0]&0x01 != 0 {
					count -= int(raw[0]>>2) & 0x03
				}
				client.fifo.Write(raw[4:4+count], nil)
				client.sizeTransferred = uint32(count)
				client.state = StateIdle
				*result = SDOSuccess
			} else {
				if raw[0]&0x01 != 0 {
					client.sizeIndicated = binary.LittleEndian.Uint32(raw[4:])
				}
				client.toggle = 0
				client.state = StateUploadSegmentReq
			}
		}
	case StateUploadBlkEndSreq:
		raw := response.raw
		noData := (raw[0] >> 2) & 0x07
		client.fifo.Write(client.blockDataUploadLast[:7-noData], &client.blockCRC)
		client.sizeTransferred += uint32(7 - noData)
		switch {
		case client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated:
			abortCode = AbortDataLong
			client.state = StateAbort
		case client.sizeIndicated > 0 && client.sizeTransferred < client.sizeIndicated:
			abortCode = AbortDataShort
			client.state = StateAbort
		default:
			if client.blockCRCEnabled {
				serverCRC := binary.LittleEndian.Uint16(raw[1:3])
				if serverCRC != client.blockCRC.get() {
					abortCode = AbortCRC
					client.state = StateAbort
					break
				}
			}
			client.state = StateUploadBlkEndCrsp
		}
	}
	return abortCode, nil
}

func (client *SDOClient) uploadSendRequest(result SDOResult, timerNextUs *uint32, abortCode *error) SDOResult {
	switch client.state {
	case StateUploadInitiateReq:
		client.txFrame.Data[0] = ccsUploadInitiate
		binary.LittleEndian.PutUint16(client.txFrame.Data[1:3], client.index)
		client.txFrame.Data[3] = client.subindex
		client.timeoutTimer = 0
		client.bus.Send(client.txFrame)
		client.state = StateUploadInitiateRsp

	case StateUploadSegmentReq:
		if client.fifo.GetSpace() < 7 {
			return sdoUploadDataFull
		}
		client.txFrame.Data[0] = ccsUploadSegment | client.toggle
		client.timeoutTimer = 0
		client.bus.Send(client.txFrame)
		client.state = StateUploadSegmentRsp

	case StateUploadBlkInitiateReq:
		client.txFrame.Data[0] = 0xA4
		binary.LittleEndian.PutUint16(client.txFrame.Data[1:3], client.index)
		client.txFrame.Data[3] = client.subindex
		count := client.fifo.GetSpace() / 7
		if count >= 127 {
			count = 127
		} else if count == 0 {
			*abortCode = AbortOutOfMem
			client.state = StateAbort
			return result
		}
		client.blockSize = uint8(count)
		client.txFrame.Data[4] = client.blockSize
		client.txFrame.Data[5] = sdoClientProtocolSwitchThreshold
		client.timeoutTimer = 0
		client.bus.Send(client.txFrame)
		client.state = StateUploadBlkInitiateRsp

	case StateUploadBlkInitiateReq2:
		client.txFrame.Data[0] = 0xA3
		client.timeoutTimer, client.timeoutTimerBlock = 0, 0
		client.blockSequenceNb = 0
		client.blockCRC = crc16{}
		client.state = StateUploadBlkSubblockSreq
		client.rxNew = false
		client.bus.Send(client.txFrame)

	case StateUploadBlkSubblockCrsp:
		client.txFrame.Data[0] = csBlkSubblockAck
		client.txFrame.Data[1] = client.blockSequenceNb
		if client.finished {
			client.state = StateUploadBlkEndSreq
		} else {
			if client.sizeIndicated > 0 && client.sizeTransferred > client.sizeIndicated {
				*abortCode = AbortDataLong
				client.state = StateAbort
				return result
			}
			count := client.fifo.GetSpace() / 7
			if count >= 127 {
				count = 127
			} else if client.fifo.GetOccupied() > 0 {
				if timerNextUs != nil {
					*timerNextUs = 0
				}
				return sdoUploadDataFull
			}
			client.blockSize = uint8(count)
			client.blockSequenceNb = 0
			client.state = StateUploadBlkSubblockSreq
			client.rxNew = false
		}
		client.txFrame.Data[2] = client.blockSize
		client.timeoutTimerBlock = 0
		client.bus.Send(client.txFrame)

	case StateUploadBlkEndCrsp:
		client.txFrame.Data[0] = scsBlkEnd
		client.bus.Send(client.txFrame)
		client.state = StateIdle
		return SDOSuccess
	}
	return result
}

const sdoUploadDataFull SDOResult = 0xFD

func (client *SDOClient) uploadLocal() (SDOResult, error) {
	if client.streamer.read == nil {
		var ret ODR
		client.streamer, ret = newStreamer(client.od.Find(client.index), client.subindex, false)
		if ret != ODR_OK {
			return 0, ret.SDOAbortCode()
		}
		return sdoWaitingLocalTransfer, nil
	}
	buffer := make([]byte, sdoClientBufferSize)
	n, ret := client.streamer.Read(buffer)
	client.fifo.Write(buffer[:n], nil)
	client.sizeTransferred += uint32(n)
	if ret != ODR_OK && ret != ODR_PARTIAL {
		return 0, ret.SDOAbortCode()
	}
	if ret == ODR_PARTIAL {
		return sdoWaitingLocalTransfer, nil
	}
	return SDOSuccess, nil
}

func (client *SDOClient) sendAbort(code SDOAbortCode) {
	code.AppendTo(client.txFrame.Data[:], client.index, client.subindex)
	client.bus.Send(client.txFrame)
	log.Warnf("[sdo-client][tx] client abort x%x:x%x: %v (x%08x)", client.index, client.subindex, code, uint32(code))
}

// ---------------------------------------------------------------------
// Blocking convenience wrappers for one-shot callers
// ---------------------------------------------------------------------

// ReadAll uploads the whole of index/subindex and returns it as a byte
// slice, blocking (and driving the state machine with a fixed poll period)
// until the transfer completes or aborts.
func (client *SDOClient) ReadAll(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	const pollUs = 10000
	if err := client.setupServer(uint32(sdoClientBaseID)+uint32(nodeId), uint32(sdoServerBaseID)+uint32(nodeId), nodeId); err != nil {
		return nil, err
	}
	if err := client.uploadStart(index, subindex, true); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 64)
	chunk := make([]byte, sdoClientBufferSize)
	for {
		result, err := client.upload(pollUs, false, nil)
		if err != nil {
			return nil, err
		}
		if result == sdoUploadDataFull {
			n := client.fifo.Read(chunk, nil)
			out = append(out, chunk[:n]...)
			continue
		}
		if result == SDOSuccess {
			break
		}
		time.Sleep(pollUs * time.Microsecond)
	}
	n := client.fifo.Read(chunk, nil)
	return append(out, chunk[:n]...), nil
}

// WriteRaw downloads data (any Go scalar, string or []byte, little-endian
// encoded per CiA 301) to index/subindex, blocking until complete.
func (client *SDOClient) WriteRaw(nodeId uint8, index uint16, subindex uint8, data any, forceSegmented bool) error {
	const pollUs = 10000
	if err := client.setupServer(uint32(sdoClientBaseID)+uint32(nodeId), uint32(sdoServerBaseID)+uint32(nodeId), nodeId); err != nil {
		return err
	}

	encoded, err := encodeSDOValue(data)
	if err != nil {
		return err
	}

	if err := client.downloadStart(index, subindex, uint32(len(encoded)), true); err != nil {
		return err
	}
	written := client.fifo.Write(encoded, nil)
	partial := written < len(encoded)

	for {
		result, err := client.downloadMain(pollUs, false, partial, nil, forceSegmented)
		if err != nil {
			return err
		}
		if result == SDOBlockDownloadInProgress && partial {
			written += client.fifo.Write(encoded[written:], nil)
			partial = written < len(encoded)
		} else if result == SDOSuccess {
			return nil
		}
		time.Sleep(pollUs * time.Microsecond)
	}
}

func encodeSDOValue(data any) ([]byte, error) {
	switch v := data.(type) {
	case uint8:
		return []byte{v}, nil
	case int8:
		return []byte{byte(v)}, nil
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b, nil
	case int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b, nil
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b, nil
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return b, nil
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		return b, nil
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
		return b, nil
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		return b, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, ODR_TYPE_MISMATCH
	}
}
