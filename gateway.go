package canopen

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// gwState is the CiA 309-3 command-engine state, CO_GTWA_ST_* in the
// original implementation.
type gwState uint8

const (
	gwStateIdle gwState = iota
	gwStateRead
	gwStateWrite
	gwStateWriteAborted
	gwStateLSS // not entered: every lss_* verb is answered directly by cmdLSS
	gwStateLog
	gwStateHelp
	gwStateLed
)

// Gateway response error codes, CiA 309-3 Table 3 (CO_GTWA_respErrorCode_t).
const (
	gwErrNone               = 0
	gwErrReqNotSupported    = 100
	gwErrSyntax             = 101
	gwErrInternalState      = 102
	gwErrTimeOut            = 103
	gwErrNoDefaultNetSet    = 104
	gwErrNoDefaultNodeSet   = 105
	gwErrLSSImplementation  = 501
	gwErrRunningOutOfMemory = 600
)

// gwStateTimeoutUs bounds how long the command engine waits for fifo input
// mid-transfer before giving up, CiA 309-3's CO_GTWA_STATE_TIMEOUT_TIME_US.
const gwStateTimeoutUs = 1200000

const gwHistorySize = 32

// gwDatatype describes one of the closed set of gateway value encodings.
type gwDatatype struct {
	name      string
	fixedSize int // 0 for variable-length
	encode    func(tok []byte) ([]byte, TokResult)
	decode    func(data []byte) string
	multiTok  bool // "hex": value spans tokens to end of line
}

var gwDatatypes = map[string]gwDatatype{
	"b":   {name: "b", fixedSize: 1, encode: gwEncodeU(8), decode: gwDecodeU(8)},
	"i8":  {name: "i8", fixedSize: 1, encode: gwEncodeI(8), decode: gwDecodeI(8)},
	"i16": {name: "i16", fixedSize: 2, encode: gwEncodeI(16), decode: gwDecodeI(16)},
	"i32": {name: "i32", fixedSize: 4, encode: gwEncodeI(32), decode: gwDecodeI(32)},
	"i64": {name: "i64", fixedSize: 8, encode: gwEncodeI(64), decode: gwDecodeI(64)},
	"u8":  {name: "u8", fixedSize: 1, encode: gwEncodeU(8), decode: gwDecodeU(8)},
	"u16": {name: "u16", fixedSize: 2, encode: gwEncodeU(16), decode: gwDecodeU(16)},
	"u32": {name: "u32", fixedSize: 4, encode: gwEncodeU(32), decode: gwDecodeU(32)},
	"u64": {name: "u64", fixedSize: 8, encode: gwEncodeU(64), decode: gwDecodeU(64)},
	"x8":  {name: "x8", fixedSize: 1, encode: gwEncodeU(8), decode: gwDecodeX(8)},
	"x16": {name: "x16", fixedSize: 2, encode: gwEncodeU(16), decode: gwDecodeX(16)},
	"x32": {name: "x32", fixedSize: 4, encode: gwEncodeU(32), decode: gwDecodeX(32)},
	"x64": {name: "x64", fixedSize: 8, encode: gwEncodeU(64), decode: gwDecodeX(64)},
	"r32": {name: "r32", fixedSize: 4, encode: gwEncodeR32, decode: gwDecodeR32},
	"r64": {name: "r64", fixedSize: 8, encode: gwEncodeR64, decode: gwDecodeR64},
	"vs":  {name: "vs", fixedSize: 0, encode: gwEncodeVS, decode: gwDecodeVS},
	"os":  {name: "os", fixedSize: 0, encode: gwEncodeB64, decode: gwDecodeB64},
	"us":  {name: "us", fixedSize: 0, encode: gwEncodeB64, decode: gwDecodeB64},
	"d":   {name: "d", fixedSize: 0, encode: gwEncodeB64, decode: gwDecodeB64},
	"hex": {name: "hex", fixedSize: 0, encode: nil, decode: ReadHexBytesToASCII, multiTok: true},
}

func gwEncodeU(bits int) func([]byte) ([]byte, TokResult) {
	return func(tok []byte) ([]byte, TokResult) {
		v, ret := CpyTokToU64(tok, bits)
		if ret.hasError() {
			return nil, ret
		}
		return gwPutUint(v, bits/8), 0
	}
}

func gwEncodeI(bits int) func([]byte) ([]byte, TokResult) {
	return func(tok []byte) ([]byte, TokResult) {
		v, ret := CpyTokToI64(tok, bits)
		if ret.hasError() {
			return nil, ret
		}
		return gwPutUint(uint64(v), bits/8), 0
	}
}

func gwPutUint(v uint64, size int) []byte {
	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func gwGetUint(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	return v
}

func gwDecodeU(bits int) func([]byte) string {
	return func(data []byte) string { return ReadU64ToASCII(gwGetUint(data)) }
}

func gwDecodeI(bits int) func([]byte) string {
	return func(data []byte) string {
		v := gwGetUint(data)
		switch bits {
		case 8:
			return ReadI64ToASCII(int64(int8(v)))
		case 16:
			return ReadI64ToASCII(int64(int16(v)))
		case 32:
			return ReadI64ToASCII(int64(int32(v)))
		default:
			return ReadI64ToASCII(int64(v))
		}
	}
}

func gwDecodeX(bits int) func([]byte) string {
	return func(data []byte) string { return ReadHexToASCII(gwGetUint(data)) }
}

func gwEncodeR32(tok []byte) ([]byte, TokResult) {
	v, ret := CpyTokToF64(tok)
	if ret.hasError() {
		return nil, ret
	}
	return gwPutUint(uint64(math.Float32bits(float32(v))), 4), 0
}

func gwEncodeR64(tok []byte) ([]byte, TokResult) {
	v, ret := CpyTokToF64(tok)
	if ret.hasError() {
		return nil, ret
	}
	return gwPutUint(math.Float64bits(v), 8), 0
}

func gwDecodeR32(data []byte) string {
	return ReadF64ToASCII(decodeFloat32(uint32(gwGetUint(data))))
}

func gwDecodeR64(data []byte) string {
	return ReadF64ToASCII(decodeFloat64(gwGetUint(data)))
}

func gwEncodeVS(tok []byte) ([]byte, TokResult) {
	s, ret := CpyTokToVS(tok)
	if ret.hasError() {
		return nil, ret
	}
	return []byte(s), 0
}

func gwDecodeVS(data []byte) string { return ReadVSToASCII(string(data)) }

func gwEncodeB64(tok []byte) ([]byte, TokResult) {
	return CpyTokToB64(tok)
}

func gwDecodeB64(data []byte) string { return ReadB64ToASCII(data) }

// Gateway implements the CiA 309-3 ASCII command-line-to-SDO/NMT translator
// (spec.md §4.10): it owns an input FIFO fed by the host transport, a single
// reusable SDO client channel, and a small response-formatting state machine
// driven cooperatively from Process.
type Gateway struct {
	bus    *BusManager
	client *SDOClient

	commFifo *Fifo

	defaultNetwork uint16
	defaultNode    uint8
	sdoTimeoutMs   uint32
	sdoBlockEnable bool

	state          gwState
	stateTimer     uint32
	curSeq         string
	curIndex       uint16
	curSubindex    uint8
	curDtype       gwDatatype
	curNode        uint8

	writeData     []byte
	writeWritten  int
	writePartial  bool

	respPending []byte
	respHold    bool

	history      [gwHistorySize]string
	historyHead  int
	historyCount int

	leds *LEDs
}

// NewGateway builds a gateway command engine around an already-constructed
// SDO client channel shared with the rest of the node.
func NewGateway(bus *BusManager, client *SDOClient, defaultNetwork uint16, defaultNode uint8, sdoTimeoutMs uint32) *Gateway {
	return &Gateway{
		bus:            bus,
		client:         client,
		commFifo:       NewFifo(400),
		defaultNetwork: defaultNetwork,
		defaultNode:    defaultNode,
		sdoTimeoutMs:   sdoTimeoutMs,
		state:          gwStateIdle,
	}
}

// SetLEDs attaches the node's indicator state for the `led` diagnostic
// command; optional.
func (gw *Gateway) SetLEDs(leds *LEDs) { gw.leds = leds }

// Input returns the FIFO the host transport should write incoming request
// bytes into.
func (gw *Gateway) Input() *Fifo { return gw.commFifo }

func (gw *Gateway) record(line string) {
	gw.history[gw.historyHead] = line
	gw.historyHead = (gw.historyHead + 1) % gwHistorySize
	if gw.historyCount < gwHistorySize {
		gw.historyCount++
	}
}

func (gw *Gateway) queueResponse(s string) {
	gw.respPending = append(gw.respPending, []byte(s)...)
}

func (gw *Gateway) replyOK(seq string) {
	gw.queueResponse(fmt.Sprintf("[%s] OK\r\n", seq))
}

func (gw *Gateway) replyValue(seq string, value string) {
	gw.queueResponse(fmt.Sprintf("[%s] %s\r\n", seq, value))
}

func (gw *Gateway) replyInternalError(seq string, code int) {
	gw.queueResponse(fmt.Sprintf("[%s] ERROR:%d\r\n", seq, code))
}

func (gw *Gateway) replyAbort(seq string, abort SDOAbortCode) {
	gw.queueResponse(fmt.Sprintf("[%s] ERROR:0x%08X #%s\r\n", seq, uint32(abort), abort.Error()))
}

// Process is the cooperative tick: it parses at most one command line per
// call, streams any in-progress
// SDO transfer, and flushes queued response bytes through sink (which
// returns how many of the supplied bytes it actually accepted — a partial
// accept holds the remainder for the next tick, matching spec.md §4.10's
// respHold behavior). timerNextUs is advanced the same way every other
// engine's Process is.
func (gw *Gateway) Process(enable bool, timeDifferenceUs uint32, sink func([]byte) int, timerNextUs *uint32) {
	if !enable {
		return
	}

	if len(gw.respPending) > 0 {
		n := sink(gw.respPending)
		if n > 0 {
			gw.respPending = gw.respPending[n:]
		}
		if len(gw.respPending) > 0 {
			gw.respHold = true
			return
		}
		gw.respHold = false
	}

	switch gw.state {
	case gwStateIdle:
		gw.processIdle()
	case gwStateRead:
		gw.processRead(timeDifferenceUs, timerNextUs)
	case gwStateWrite:
		gw.processWrite(timeDifferenceUs, timerNextUs)
	case gwStateWriteAborted:
		gw.purgeWrite()
	default:
		// LSS / log / help / led commands are single-shot: resolved entirely
		// within parseLine, so Process never observes them mid-flight.
		gw.state = gwStateIdle
	}
}

func (gw *Gateway) processIdle() {
	if !gw.commFifo.CommSearch(true) {
		return
	}
	line := gw.readLine()
	gw.record(line)
	gw.parseLine(line)
}

// readLine drains one full command line (terminator consumed, not included)
// from commFifo.
func (gw *Gateway) readLine() string {
	var buf []byte
	chunk := make([]byte, 64)
	for {
		var eof bool
		n := gw.commFifo.Read(chunk, &eof)
		if n == 0 {
			break
		}
		if eof {
			buf = append(buf, chunk[:n-1]...)
			break
		}
		buf = append(buf, chunk[:n]...)
	}
	return string(buf)
}

// parseLine implements the two-phase parse required by spec.md §4.10: the
// sequence number is parsed on its own first so a malformed remainder can
// still echo `[<seq>] ERROR:...`, while a malformed sequence number itself
// gets no response at all.
func (gw *Gateway) parseLine(line string) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	seqTok := fields[0]
	if !strings.HasPrefix(seqTok, "[") || !strings.HasSuffix(seqTok, "]") {
		log.Warnf("[gateway] line without sequence prefix, dropped: %q", line)
		return
	}
	seq := seqTok[1 : len(seqTok)-1]
	if _, err := strconv.ParseUint(seq, 10, 32); err != nil {
		log.Warnf("[gateway] malformed sequence number, dropped: %q", line)
		return
	}
	gw.curSeq = seq
	rest := fields[1:]

	// Optional leading numeric tokens are '[[<net>] <node>]': one numeric
	// token means <node>, two mean <net> then <node> — never <net> alone
	// (CiA 309-3's CO_GTWA_process parses up to two leading digit tokens
	// before the first non-numeric command token).
	var numerics []uint64
	idx := 0
	for idx < len(rest) && len(numerics) < 2 {
		n, err := strconv.ParseUint(rest[idx], 10, 32)
		if err != nil {
			break
		}
		numerics = append(numerics, n)
		idx++
	}

	node := gw.defaultNode
	switch len(numerics) {
	case 1:
		node = uint8(numerics[0])
	case 2:
		gw.defaultNetwork = uint16(numerics[0])
		node = uint8(numerics[1])
	}

	if idx >= len(rest) {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	verb := rest[idx]
	args := rest[idx+1:]

	gw.dispatch(seq, verb, args, node)
}

func (gw *Gateway) dispatch(seq, verb string, args []string, node uint8) {
	switch verb {
	case "r", "read":
		gw.cmdRead(seq, args, node)
	case "w", "write":
		gw.cmdWrite(seq, args, node)
	case "start":
		gw.sendNMT(seq, NMTCmdEnterOperational, node)
	case "stop":
		gw.sendNMT(seq, NMTCmdEnterStopped, node)
	case "preop", "preoperational":
		gw.sendNMT(seq, NMTCmdEnterPreOperational, node)
	case "reset":
		gw.cmdReset(seq, args, node)
	case "set":
		gw.cmdSet(seq, args)
	case "help":
		gw.cmdHelp(seq, args)
	case "led":
		gw.cmdLed(seq)
	case "log":
		gw.cmdLog(seq)
	default:
		if strings.HasPrefix(verb, "lss_") || strings.HasPrefix(verb, "_lss_") {
			gw.cmdLSS(seq, verb)
			return
		}
		gw.replyInternalError(seq, gwErrReqNotSupported)
	}
}

func (gw *Gateway) cmdReset(seq string, args []string, node uint8) {
	if len(args) == 0 {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	switch args[0] {
	case "node":
		gw.sendNMT(seq, NMTCmdResetNode, node)
	case "comm", "communication":
		gw.sendNMT(seq, NMTCmdResetComm, node)
	default:
		gw.replyInternalError(seq, gwErrSyntax)
	}
}

func (gw *Gateway) sendNMT(seq string, cmd NMTCommand, node uint8) {
	frame := NewFrame(uint32(nmtServiceID), 2, []byte{byte(cmd), node})
	if err := gw.bus.Send(frame); err != nil {
		gw.replyInternalError(seq, gwErrInternalState)
		return
	}
	gw.replyOK(seq)
}

func (gw *Gateway) cmdSet(seq string, args []string) {
	if len(args) < 2 {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	switch args[0] {
	case "network":
		if n, err := strconv.ParseUint(args[1], 10, 16); err == nil {
			gw.defaultNetwork = uint16(n)
			gw.replyOK(seq)
			return
		}
	case "node":
		if n, err := strconv.ParseUint(args[1], 10, 8); err == nil {
			gw.defaultNode = uint8(n)
			gw.replyOK(seq)
			return
		}
	case "sdo_timeout":
		if n, err := strconv.ParseUint(args[1], 10, 32); err == nil {
			gw.sdoTimeoutMs = uint32(n)
			gw.replyOK(seq)
			return
		}
	case "sdo_block":
		switch args[1] {
		case "0":
			gw.sdoBlockEnable = false
			gw.replyOK(seq)
			return
		case "1":
			gw.sdoBlockEnable = true
			gw.replyOK(seq)
			return
		}
	}
	gw.replyInternalError(seq, gwErrSyntax)
}

func (gw *Gateway) cmdHelp(seq string, args []string) {
	var sb strings.Builder
	sb.WriteString("# commands: read write start stop preop reset node|comm set help led log lss_*\n")
	if len(args) > 0 && args[0] == "datatype" {
		sb.WriteString("# datatypes: b i8 i16 i32 i64 u8 u16 u32 u64 x8 x16 x32 x64 r32 r64 vs os us d hex\n")
	}
	if len(args) > 0 && args[0] == "lss" {
		sb.WriteString("# lss: lss_switch_glob lss_switch_sel lss_set_node lss_conf_bitrate lss_activate_bitrate lss_store lss_inquire_addr lss_get_node _lss_fastscan lss_allnodes\n")
	}
	gw.queueResponse(sb.String())
	gw.replyOK(seq)
}

func (gw *Gateway) cmdLed(seq string) {
	if gw.leds == nil {
		gw.replyValue(seq, "0x00 0x00")
		return
	}
	gw.replyValue(seq, fmt.Sprintf("0x%02X 0x%02X", gw.leds.Red(), gw.leds.Green()))
}

func (gw *Gateway) cmdLog(seq string) {
	var sb strings.Builder
	n := gw.historyCount
	start := (gw.historyHead - n + gwHistorySize) % gwHistorySize
	for i := 0; i < n; i++ {
		sb.WriteString("# ")
		sb.WriteString(gw.history[(start+i)%gwHistorySize])
		sb.WriteByte('\n')
	}
	gw.queueResponse(sb.String())
	gw.replyOK(seq)
}

// cmdLSS dispatches every lss_*/_lss_* verb to a fixed "not supported"
// response: the LSS master state machine itself is out of scope (spec.md §9
// Non-goals), but the command set is still recognized and echoed properly.
func (gw *Gateway) cmdLSS(seq, verb string) {
	gw.replyInternalError(seq, gwErrLSSImplementation)
}

// ---------------------------------------------------------------------
// SDO read
// ---------------------------------------------------------------------

func (gw *Gateway) cmdRead(seq string, args []string, node uint8) {
	if len(args) < 2 {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	index, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 16)
	if err != nil {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	subindex, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	dtype := gwDatatypes["hex"]
	if len(args) >= 3 {
		dt, ok := gwDatatypes[args[2]]
		if !ok {
			gw.replyInternalError(seq, gwErrSyntax)
			return
		}
		dtype = dt
	}

	if err := gw.client.setupServer(uint32(sdoClientBaseID)+uint32(node), uint32(sdoServerBaseID)+uint32(node), node); err != nil {
		gw.replyInternalError(seq, gwErrInternalState)
		return
	}
	if err := gw.client.uploadStart(uint16(index), uint8(subindex), gw.sdoBlockEnable); err != nil {
		gw.replyInternalError(seq, gwErrInternalState)
		return
	}

	gw.curIndex, gw.curSubindex, gw.curDtype, gw.curNode = uint16(index), uint8(subindex), dtype, node
	gw.stateTimer = 0
	gw.state = gwStateRead
}

func (gw *Gateway) processRead(timeDifferenceUs uint32, timerNextUs *uint32) {
	chunk := make([]byte, sdoClientBufferSize)
	result, err := gw.client.upload(timeDifferenceUs, false, timerNextUs)
	switch {
	case err != nil:
		if abort, ok := err.(SDOAbortCode); ok {
			gw.replyAbort(gw.curSeq, abort)
		} else {
			gw.replyInternalError(gw.curSeq, gwErrInternalState)
		}
		gw.state = gwStateIdle
	case result == sdoUploadDataFull:
		n := gw.client.fifo.Read(chunk, nil)
		gw.queueResponse(gw.curDtype.decode(chunk[:n]))
	case result == SDOSuccess:
		n := gw.client.fifo.Read(chunk, nil)
		if n > 0 {
			gw.queueResponse(gw.curDtype.decode(chunk[:n]))
		}
		gw.queueResponse("\r\n")
		gw.state = gwStateIdle
	default:
		gw.stateTimer += timeDifferenceUs
		if gw.stateTimer >= gwStateTimeoutUs {
			gw.replyInternalError(gw.curSeq, gwErrTimeOut)
			gw.state = gwStateIdle
		}
	}
}

// ---------------------------------------------------------------------
// SDO write
// ---------------------------------------------------------------------

func (gw *Gateway) cmdWrite(seq string, args []string, node uint8) {
	if len(args) < 3 {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	index, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 16)
	if err != nil {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	subindex, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}
	dtype, ok := gwDatatypes[args[2]]
	if !ok {
		gw.replyInternalError(seq, gwErrSyntax)
		return
	}

	var encoded []byte
	if dtype.multiTok {
		for _, tok := range args[3:] {
			b, ret := CpyTokToHex([]byte(tok))
			if ret.hasError() {
				gw.replyInternalError(seq, gwErrSyntax)
				return
			}
			encoded = append(encoded, b)
		}
	} else {
		if len(args) < 4 {
			gw.replyInternalError(seq, gwErrSyntax)
			return
		}
		value := strings.Join(args[3:], " ")
		b, ret := dtype.encode([]byte(value))
		if ret.hasError() {
			gw.replyInternalError(seq, gwErrSyntax)
			return
		}
		encoded = b
	}

	if err := gw.client.setupServer(uint32(sdoClientBaseID)+uint32(node), uint32(sdoServerBaseID)+uint32(node), node); err != nil {
		gw.replyInternalError(seq, gwErrInternalState)
		return
	}
	if err := gw.client.downloadStart(uint16(index), uint8(subindex), uint32(len(encoded)), gw.sdoBlockEnable); err != nil {
		gw.replyInternalError(seq, gwErrInternalState)
		return
	}

	gw.writeData = encoded
	gw.writeWritten = gw.client.fifo.Write(encoded, nil)
	gw.writePartial = gw.writeWritten < len(encoded)
	gw.stateTimer = 0
	gw.state = gwStateWrite
}

func (gw *Gateway) processWrite(timeDifferenceUs uint32, timerNextUs *uint32) {
	result, err := gw.client.downloadMain(timeDifferenceUs, false, gw.writePartial, timerNextUs, false)
	switch {
	case err != nil:
		if abort, ok := err.(SDOAbortCode); ok {
			gw.replyAbort(gw.curSeq, abort)
		} else {
			gw.replyInternalError(gw.curSeq, gwErrInternalState)
		}
		gw.state = gwStateWriteAborted
	case result == SDOBlockDownloadInProgress && gw.writePartial:
		gw.writeWritten += gw.client.fifo.Write(gw.writeData[gw.writeWritten:], nil)
		gw.writePartial = gw.writeWritten < len(gw.writeData)
	case result == SDOSuccess:
		gw.replyOK(gw.curSeq)
		gw.state = gwStateIdle
	default:
		gw.stateTimer += timeDifferenceUs
		if gw.stateTimer >= gwStateTimeoutUs {
			gw.client.sendAbort(AbortDeviceIncompat)
			gw.replyInternalError(gw.curSeq, gwErrTimeOut)
			gw.state = gwStateIdle
		}
	}
}

// purgeWrite discards any data still queued in commFifo for the aborted
// write, up to and including the next line terminator, per spec.md §4.10.
func (gw *Gateway) purgeWrite() {
	var buf [64]byte
	for {
		var eof bool
		n := gw.commFifo.Read(buf[:], &eof)
		if n == 0 {
			return
		}
		if eof {
			gw.state = gwStateIdle
			return
		}
	}
}
