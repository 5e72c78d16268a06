package lwm2mcore

import (
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"go.uber.org/atomic"
)

// MsgType is the CoAP message type (RFC 7252 §3): Confirmable,
// Non-confirmable, Acknowledgement or Reset.
type MsgType int

const (
	MsgCON MsgType = iota
	MsgNON
	MsgACK
	MsgRST
)

// BlockOption is a decoded BLOCK1/BLOCK2 option (RFC 7959).
type BlockOption struct {
	Num     uint32
	More    bool
	SizeExp uint8 // block size = 2^(4+SizeExp), SizeExp in [0,6]
}

func (b BlockOption) Size() int { return 1 << (4 + b.SizeExp) }

// Message is the engines' transport-agnostic view of a CoAP message. Core
// frames it to and from the wire with EncodeMessage/DecodeMessage
// (coapwire.go); a Transport only carries the resulting datagrams.
type Message struct {
	Type    MsgType
	Code    codes.Code
	MsgID   uint16
	Token   []byte
	Path    Path
	// URI carries a non-data-model special endpoint (e.g. "rd", "bs",
	// "rd/<location>") the registration interface addresses - Path's
	// numeric OID/IID/RID tuple has no way to express those.
	URI     string
	Query   map[string]string
	Format  ContentFormat
	Accept  ContentFormat
	Payload []byte
	Block1  *BlockOption
	Block2  *BlockOption
	Observe *uint32 // nil = option absent, present-but-zero = Observe:0 (register)
}

// ExchangeReason is the terminal outcome of an exchange, reported once
// Step drives it out of MsgToSend/WaitingMsg.
type ExchangeReason int

const (
	ReasonNone ExchangeReason = iota
	ReasonSuccess
	ReasonErrorRequest
	ReasonErrorServerResponse
	ReasonErrorTimeout
	ReasonErrorNetwork
	ReasonErrorProtocol
	ReasonErrorTerminated
)

func (r ExchangeReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSuccess:
		return "success"
	case ReasonErrorRequest:
		return "error_request"
	case ReasonErrorServerResponse:
		return "error_server_response"
	case ReasonErrorTimeout:
		return "error_timeout"
	case ReasonErrorNetwork:
		return "error_network"
	case ReasonErrorProtocol:
		return "error_protocol"
	case ReasonErrorTerminated:
		return "error_terminated"
	default:
		return "unknown"
	}
}

// ExchangeState is the per-exchange state machine position.
type ExchangeState int

const (
	StateFinished ExchangeState = iota
	StateMsgToSend
	StateWaitingSendConfirmation
	StateWaitingMsg
)

// CoAP transmission parameters (RFC 7252 §4.8), used to pace Confirmable
// retransmission.
const (
	AckTimeout      = 2 * time.Second
	AckRandomFactor = 1.5
	MaxRetransmit   = 4
	MaxTransmitSpan = 45 * time.Second
	// MaxTransmitWait bounds how long a requester waits for a response
	// (including the final retransmission's ack window) before giving up.
	MaxTransmitWait = 93 * time.Second
	// MaxExchangeLifetime is RFC 7252's EXCHANGE_LIFETIME: once a
	// Confirmable request has been ACKed empty (a separate response is
	// coming), the requester stops retransmitting and simply waits up to
	// this long for the delayed response instead of MaxTransmitWait.
	MaxExchangeLifetime = 247 * time.Second
)

// Block size bounds for BLOCK1/BLOCK2 (RFC 7959 §2.2): SZX in [0,6] gives
// sizes 16..1024 bytes.
const (
	minBlockSize = 16
	maxBlockSize = 1024
)

// blockState tracks one side's block-wise fragmentation or reassembly
// progress for a single exchange: full holds the complete body (the buffer
// being sliced, on the sending side, or the buffer being assembled into, on
// the receiving side), size is the negotiated block size, and num is the
// last block number sent or accepted.
type blockState struct {
	full []byte
	size int
	num  uint32
}

// floorPow2LE picks the largest block size in {16,32,...,1024} that is at
// most n, capping at maxBlockSize for larger bodies - the sender always
// starts a block-wise transfer at the biggest size the body doesn't shrink
// below.
func floorPow2LE(n int) int {
	size := minBlockSize
	for size*2 <= maxBlockSize && size*2 <= n {
		size *= 2
	}
	return size
}

// blockSizeExp converts a block size back to its RFC 7959 SZX nibble.
func blockSizeExp(size int) uint8 {
	var exp uint8
	for s := minBlockSize; s < size; s *= 2 {
		exp++
	}
	return exp
}

// blockChunk slices the num'th block of size bytes out of full, reporting
// more=true when additional blocks remain beyond this one.
func blockChunk(full []byte, num uint32, size int) (chunk []byte, more bool) {
	start := int(num) * size
	if start >= len(full) {
		return nil, false
	}
	end := start + size
	if end >= len(full) {
		return full[start:], false
	}
	return full[start:end], true
}

func isEmptyAck(msg *Message) bool {
	return msg.Type == MsgACK && msg.Code == 0 && len(msg.Payload) == 0
}

// ExchangeContext tracks one outstanding CoAP transaction: a client
// request awaiting a response, or a server-side request awaiting the
// handler's response to be sent (and, for a Confirmable request, its ACK).
type ExchangeContext struct {
	Token   []byte
	MsgID   uint16
	Out     *Message
	In      *Message
	state   ExchangeState
	reason  ExchangeReason
	attempt int
	timeout time.Duration
	nextTry time.Time
	started time.Time
	lastErr error

	// block tracks an in-progress block-wise fragmentation (outgoing
	// BLOCK1/BLOCK2) or reassembly (incoming BLOCK1/BLOCK2) for this
	// exchange. nil outside of a block-wise transfer.
	block *blockState
	// separateResponse is set once an empty ACK has told us the actual
	// response is coming later (RFC 7252 §5.2.2): retransmission stops and
	// the timeout budget switches from MaxTransmitWait to
	// MaxExchangeLifetime.
	separateResponse bool
	// notify marks an exchange opened by OpenNotify: an empty ACK completes
	// it outright (a notification has no separate response of its own to
	// wait for), rather than arming separateResponse like an ordinary
	// Confirmable request would.
	notify bool
}

func (e *ExchangeContext) State() ExchangeState   { return e.state }
func (e *ExchangeContext) Reason() ExchangeReason { return e.reason }
func (e *ExchangeContext) Err() error              { return e.lastErr }
func (e *ExchangeContext) Response() *Message      { return e.In }

// Exchanges is the exchange engine: token/MID generation, the response
// cache, and the set of currently live ExchangeContexts. Grounded on
// coap_http.go's counter()-based token generation and HTTPRequestToCoAP's
// Message construction style, generalized from a single in-flight HTTP-to-
// CoAP bridge request into the general retransmit/block-wise state machine
// the distilled spec names.
type Exchanges struct {
	clock Clock
	rng   Rng
	cache *ResponseCache

	msgID atomic.Uint32
	live  map[string]*ExchangeContext
	// blockCache holds the remainder of an oversized server-side response
	// (BLOCK2, keyed by the request token) between one block and the next,
	// since each continuation GET arrives as its own ExchangeContext.
	blockCache map[string]*blockState
}

func NewExchanges(clock Clock, rng Rng, cache *ResponseCache) *Exchanges {
	ex := &Exchanges{
		clock:      clock,
		rng:        rng,
		cache:      cache,
		live:       make(map[string]*ExchangeContext),
		blockCache: make(map[string]*blockState),
	}
	var seed [2]byte
	if err := rng.Read(seed[:]); err == nil {
		ex.msgID.Store(uint32(seed[0])<<8 | uint32(seed[1]))
	} else {
		ex.msgID.Store(1)
	}
	return ex
}

func (ex *Exchanges) nextMsgID() uint16 {
	return uint16(ex.msgID.Add(1) & 0xFFFF)
}

func (ex *Exchanges) newToken() ([]byte, error) {
	buf := make([]byte, 8)
	if err := ex.rng.Read(buf); err != nil {
		return nil, fmt.Errorf("lwm2mcore: token generation: %w", err)
	}
	return buf, nil
}

// OpenClientRequest begins a new outbound exchange for msg, which must not
// yet carry a Token or MsgID - those are assigned here. A payload larger
// than maxBlockSize is fragmented into BLOCK1 chunks (§4.1): only the first
// chunk is sent now, the rest following as deliverBlock1Ack advances the
// exchange on each 2.31 Continue.
func (ex *Exchanges) OpenClientRequest(msg *Message) (*ExchangeContext, error) {
	token, err := ex.newToken()
	if err != nil {
		return nil, err
	}
	msg.Token = token
	msg.MsgID = ex.nextMsgID()
	ec := &ExchangeContext{
		Token:   token,
		MsgID:   msg.MsgID,
		Out:     msg,
		state:   StateMsgToSend,
		started: ex.clock.Now(),
		timeout: jitteredAckTimeout(ex.rng),
	}
	if len(msg.Payload) > maxBlockSize {
		size := floorPow2LE(len(msg.Payload))
		full := msg.Payload
		chunk, more := blockChunk(full, 0, size)
		msg.Payload = chunk
		msg.Block1 = &BlockOption{Num: 0, More: more, SizeExp: blockSizeExp(size)}
		ec.block = &blockState{full: full, size: size}
	}
	ex.live[tokenKey(token)] = ec
	return ec, nil
}

// OpenNotify begins an outbound exchange for an Observe notification, which
// must keep the observation's own token (RFC 7641 §3.4 requires every
// notification for an observation to carry the same token as the original
// Observe request) rather than being assigned a fresh one the way an
// ordinary client request is.
func (ex *Exchanges) OpenNotify(msg *Message) (*ExchangeContext, error) {
	msg.MsgID = ex.nextMsgID()
	ec := &ExchangeContext{
		Token:   msg.Token,
		MsgID:   msg.MsgID,
		Out:     msg,
		state:   StateMsgToSend,
		started: ex.clock.Now(),
		timeout: jitteredAckTimeout(ex.rng),
		notify:  true,
	}
	ex.live[tokenKey(msg.Token)] = ec
	return ec, nil
}

// OpenServerRequest begins an inbound exchange for a request the core just
// received. If it duplicates an exchange already answered (same token or
// msg id found in the response cache), the cached response is replayed
// directly and hit reports which cache tier matched. A BLOCK1 continuation
// (Num > 0) for an upload already in progress reuses its live
// ExchangeContext instead of opening a new one, so ReassembleServerBlock1
// can keep accumulating into the same blockState.
func (ex *Exchanges) OpenServerRequest(in *Message) (ec *ExchangeContext, cached *ResponseCacheEntry, hit cacheHit) {
	now := ex.clock.Now()
	if in.Block1 != nil && in.Block1.Num > 0 {
		if existing, ok := ex.live[tokenKey(in.Token)]; ok && existing.state == StateWaitingSendConfirmation {
			existing.In = in
			existing.MsgID = in.MsgID
			return existing, nil, CacheMiss
		}
	}
	entry, h := ex.cache.Lookup(in.Token, in.MsgID, now)
	if h != CacheMiss {
		return nil, entry, h
	}
	ec = &ExchangeContext{
		Token:   in.Token,
		MsgID:   in.MsgID,
		In:      in,
		state:   StateWaitingSendConfirmation,
		started: now,
	}
	ex.live[tokenKey(in.Token)] = ec
	return ec, nil, CacheMiss
}

// ReassembleServerBlock1 accumulates one inbound BLOCK1 chunk of a
// server-originated request onto ec's blockState. Per §4.1, blocks must
// arrive in order; an out-of-order block is silently ignored (returns
// false) rather than erroring, since the peer's own retransmission will
// eventually deliver the expected one. Reports true once the block with
// More=false completes the body, at which point ec.block.full holds it.
func (ex *Exchanges) ReassembleServerBlock1(ec *ExchangeContext, in *Message) bool {
	b := in.Block1
	if ec.block == nil {
		if b.Num != 0 {
			return false
		}
		ec.block = &blockState{size: b.Size()}
	} else if b.Num != ec.block.num+1 {
		return false
	}
	ec.block.num = b.Num
	ec.block.full = append(ec.block.full, in.Payload...)
	return !b.More
}

// PrepareBlockResponse fragments resp.Payload into a BLOCK2 chunk when it
// exceeds the block size: maxBlockSize, or the size reqBlock2 names on the
// first (Num 0) request - honoring a peer's BLOCK2 size shrink. A request
// with Num > 0 is served from the transfer cached under token, at the size
// the first request picked (late size change is not supported, per §4.1);
// with no transfer cached for token, resp is left unchanged.
func (ex *Exchanges) PrepareBlockResponse(token []byte, reqBlock2 *BlockOption, resp *Message) {
	key := tokenKey(token)
	var num uint32
	if reqBlock2 != nil {
		num = reqBlock2.Num
	}
	if num > 0 {
		bs, ok := ex.blockCache[key]
		if !ok {
			return
		}
		chunk, more := blockChunk(bs.full, num, bs.size)
		resp.Payload = chunk
		resp.Block2 = &BlockOption{Num: num, More: more, SizeExp: blockSizeExp(bs.size)}
		if more {
			ex.blockCache[key] = bs
		} else {
			delete(ex.blockCache, key)
		}
		return
	}
	size := maxBlockSize
	if reqBlock2 != nil {
		size = reqBlock2.Size()
	}
	if len(resp.Payload) <= size {
		return
	}
	bs := &blockState{full: resp.Payload, size: size}
	chunk, more := blockChunk(bs.full, 0, size)
	resp.Payload = chunk
	resp.Block2 = &BlockOption{Num: 0, More: more, SizeExp: blockSizeExp(size)}
	if more {
		ex.blockCache[key] = bs
	}
}

// jitteredAckTimeout picks the initial retransmission timeout within
// [AckTimeout, AckTimeout*AckRandomFactor], per RFC 7252 §4.8.
func jitteredAckTimeout(rng Rng) time.Duration {
	var buf [2]byte
	if err := rng.Read(buf[:]); err != nil {
		return AckTimeout
	}
	span := float64(AckTimeout) * (AckRandomFactor - 1)
	frac := float64(buf[0])<<8 | float64(buf[1])
	frac /= 65535
	return AckTimeout + time.Duration(frac*span)
}

// Deliver feeds an inbound message (response, ACK, or RST) to its matching
// exchange. Returns false if no exchange is waiting for it.
func (ex *Exchanges) Deliver(msg *Message) bool {
	ec, ok := ex.live[tokenKey(msg.Token)]
	if !ok || ec.state != StateMsgToSend && ec.state != StateWaitingMsg {
		return false
	}
	if msg.Type == MsgRST {
		ex.finish(ec, nil, ReasonErrorRequest, fmt.Errorf("lwm2mcore: peer reset the exchange"))
		return true
	}
	// An empty ACK completes a Confirmable notification outright - there is
	// no separate response to a notify the way there is to a request.
	if isEmptyAck(msg) && ec.notify {
		ex.finish(ec, msg, ReasonSuccess, nil)
		return true
	}
	// An empty ACK on a Confirmable request is a keep-alive: the real
	// response is a separate message still to come (RFC 7252 §5.2.2), not
	// the final answer - stop retransmitting but keep waiting.
	if isEmptyAck(msg) && ec.Out.Type == MsgCON && !ec.separateResponse {
		ec.separateResponse = true
		ec.attempt = 0
		ec.nextTry = time.Time{}
		return true
	}
	if codes.Code(msg.Code) >= codes.BadRequest {
		ex.finish(ec, msg, ReasonErrorServerResponse, fmt.Errorf("lwm2mcore: server responded %v", msg.Code))
		return true
	}
	if ec.block != nil && ec.Out.Block1 != nil {
		return ex.deliverBlock1Ack(ec, msg)
	}
	if msg.Block2 != nil && msg.Block2.More {
		return ex.deliverBlock2Continuation(ec, msg)
	}
	if ec.block != nil {
		// Final leg of a BLOCK2 reassembly: prepend what was gathered so far.
		msg.Payload = append(ec.block.full, msg.Payload...)
		ec.block = nil
	}
	ex.finish(ec, msg, ReasonSuccess, nil)
	return true
}

// deliverBlock1Ack advances an outgoing BLOCK1 upload (S6) to its next
// chunk once the peer's 2.31 Continue echoes the block number just sent -
// the P2 invariant. A mismatched echo or an unexpected response code ends
// the exchange with ReasonErrorProtocol rather than silently diverging.
func (ex *Exchanges) deliverBlock1Ack(ec *ExchangeContext, msg *Message) bool {
	if !ec.Out.Block1.More {
		ec.block = nil
		ex.finish(ec, msg, ReasonSuccess, nil)
		return true
	}
	if msg.Code != codes.Continue || msg.Block1 == nil || msg.Block1.Num != ec.Out.Block1.Num {
		ec.block = nil
		ex.finish(ec, msg, ReasonErrorProtocol, fmt.Errorf("lwm2mcore: unexpected block1 ack %v for block %d", msg.Code, ec.Out.Block1.Num))
		return true
	}
	nextNum := ec.block.num + 1
	chunk, more := blockChunk(ec.block.full, nextNum, ec.block.size)
	ec.block.num = nextNum
	next := &Message{
		Type:    MsgCON,
		Code:    ec.Out.Code,
		Path:    ec.Out.Path,
		URI:     ec.Out.URI,
		Query:   ec.Out.Query,
		Format:  ec.Out.Format,
		Token:   ec.Token,
		Payload: chunk,
		Block1:  &BlockOption{Num: nextNum, More: more, SizeExp: blockSizeExp(ec.block.size)},
	}
	next.MsgID = ex.nextMsgID()
	ec.MsgID = next.MsgID
	ec.Out = next
	ec.attempt = 0
	ec.timeout = jitteredAckTimeout(ex.rng)
	ec.state = StateMsgToSend
	return true
}

// deliverBlock2Continuation requests the next block of an oversized
// incoming response (the client-side half of BLOCK2): it accumulates the
// block just delivered and re-arms the exchange with a follow-up GET
// naming the next block number.
func (ex *Exchanges) deliverBlock2Continuation(ec *ExchangeContext, msg *Message) bool {
	if ec.block == nil {
		ec.block = &blockState{size: msg.Block2.Size()}
	}
	ec.block.full = append(ec.block.full, msg.Payload...)
	ec.block.num = msg.Block2.Num + 1
	next := &Message{
		Type:   MsgCON,
		Code:   ec.Out.Code,
		Path:   ec.Out.Path,
		URI:    ec.Out.URI,
		Query:  ec.Out.Query,
		Accept: ec.Out.Accept,
		Token:  ec.Token,
		Block2: &BlockOption{Num: ec.block.num, SizeExp: msg.Block2.SizeExp},
	}
	next.MsgID = ex.nextMsgID()
	ec.MsgID = next.MsgID
	ec.Out = next
	ec.attempt = 0
	ec.timeout = jitteredAckTimeout(ex.rng)
	ec.state = StateMsgToSend
	return true
}

func (ex *Exchanges) finish(ec *ExchangeContext, resp *Message, reason ExchangeReason, err error) {
	ec.In = resp
	ec.state = StateFinished
	ec.reason = reason
	ec.lastErr = err
}

// Step drives retransmission for every live client exchange: it returns
// the set of exchanges whose Out message needs (re)sending right now, and
// times out any exchange that has exceeded MaxTransmitWait.
func (ex *Exchanges) Step(now time.Time) (toSend []*ExchangeContext) {
	for _, ec := range ex.live {
		switch ec.state {
		case StateMsgToSend:
			toSend = append(toSend, ec)
		case StateWaitingMsg:
			wait := MaxTransmitWait
			if ec.separateResponse {
				wait = MaxExchangeLifetime
			}
			if now.Sub(ec.started) >= wait {
				ex.finish(ec, nil, ReasonErrorTimeout, fmt.Errorf("lwm2mcore: exchange timed out after %s", wait))
				continue
			}
			if ec.separateResponse {
				// Already ACKed; just waiting for the delayed response.
				continue
			}
			if ec.Out.Type == MsgCON && !ec.nextTry.IsZero() && !now.Before(ec.nextTry) {
				if ec.attempt >= MaxRetransmit {
					ex.finish(ec, nil, ReasonErrorTimeout, fmt.Errorf("lwm2mcore: exchange gave up after %d retransmits", MaxRetransmit))
					continue
				}
				toSend = append(toSend, ec)
			}
		}
	}
	return toSend
}

// MarkSent transitions ec from MsgToSend/retransmit-due into WaitingMsg
// (for a Confirmable request) or Finished (for Non-confirmable, which gets
// no ACK). It also schedules the next retransmission.
func (ex *Exchanges) MarkSent(ec *ExchangeContext, now time.Time) {
	if ec.Out.Type == MsgNON {
		ec.state = StateFinished
		ec.reason = ReasonSuccess
		return
	}
	ec.attempt++
	ec.timeout *= 2
	ec.nextTry = now.Add(ec.timeout)
	ec.state = StateWaitingMsg
}

// NetworkError terminates ec after a Transport-reported send/recv failure.
func (ex *Exchanges) NetworkError(ec *ExchangeContext, err error) {
	ex.finish(ec, nil, ReasonErrorNetwork, err)
}

// Close discards ec's bookkeeping once the caller has consumed its
// terminal Reason.
func (ex *Exchanges) Close(ec *ExchangeContext) {
	delete(ex.live, tokenKey(ec.Token))
}

// NextDue reports the earliest retransmission deadline across every live
// exchange, for Core.NextStepTime.
func (ex *Exchanges) NextDue(now time.Time) NextStepDeadline {
	var out NextStepDeadline
	for _, ec := range ex.live {
		if ec.state != StateWaitingMsg || ec.nextTry.IsZero() {
			continue
		}
		if !out.Has || ec.nextTry.Before(out.At) {
			out = NextStepDeadline{At: ec.nextTry, Has: true}
		}
	}
	return out
}
