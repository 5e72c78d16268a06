package lwm2mcore

import (
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

func newTestExchanges(clock Clock) *Exchanges {
	return NewExchanges(clock, &fakeRng{}, NewResponseCache())
}

// A Confirmable client request is opened, sent, and answered.
func TestExchangesClientRequestSuccess(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET, Path: ResourcePath(3, 0, 0)}

	ec, err := ex.OpenClientRequest(msg)
	if err != nil {
		t.Fatalf("OpenClientRequest: %v", err)
	}
	if len(ec.Token) == 0 {
		t.Fatalf("expected a token to be assigned")
	}
	if ec.MsgID == 0 {
		t.Fatalf("expected a msg id to be assigned")
	}
	if ec.State() != StateMsgToSend {
		t.Fatalf("expected StateMsgToSend, got %v", ec.State())
	}

	toSend := ex.Step(clock.Now())
	if len(toSend) != 1 || toSend[0] != ec {
		t.Fatalf("expected exactly ec due for sending, got %+v", toSend)
	}
	ex.MarkSent(ec, clock.Now())
	if ec.State() != StateWaitingMsg {
		t.Fatalf("expected StateWaitingMsg after MarkSent, got %v", ec.State())
	}

	resp := &Message{Type: MsgACK, Code: codes.Content, Token: ec.Token}
	if !ex.Deliver(resp) {
		t.Fatalf("expected Deliver to match the live exchange")
	}
	if ec.State() != StateFinished || ec.Reason() != ReasonSuccess {
		t.Fatalf("expected finished/success, got state=%v reason=%v", ec.State(), ec.Reason())
	}
	ex.Close(ec)
	if ex.Deliver(resp) {
		t.Errorf("expected Deliver to report false once the exchange has been closed")
	}
}

func TestExchangesNonConfirmableFinishesOnSend(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgNON, Code: codes.GET, Path: ResourcePath(3, 0, 0)}
	ec, err := ex.OpenClientRequest(msg)
	if err != nil {
		t.Fatalf("OpenClientRequest: %v", err)
	}
	ex.MarkSent(ec, clock.Now())
	if ec.State() != StateFinished || ec.Reason() != ReasonSuccess {
		t.Fatalf("expected a NON request to finish immediately on send, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesServerErrorResponse(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	resp := &Message{Type: MsgACK, Code: codes.NotFound, Token: ec.Token}
	ex.Deliver(resp)
	if ec.Reason() != ReasonErrorServerResponse {
		t.Fatalf("expected ReasonErrorServerResponse, got %v", ec.Reason())
	}
}

func TestExchangesResetTerminatesExchange(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	resp := &Message{Type: MsgRST, Token: ec.Token}
	ex.Deliver(resp)
	if ec.Reason() != ReasonErrorRequest {
		t.Fatalf("expected ReasonErrorRequest on RST, got %v", ec.Reason())
	}
}

// S3: retransmission backs off and eventually gives up after MaxRetransmit.
func TestExchangesRetransmitBackoffAndGiveUp(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	// ec.attempt is now 1; Step retransmits while attempt < MaxRetransmit,
	// so MaxRetransmit-1 more retransmits succeed before the attempt that
	// pushes it to MaxRetransmit gives up instead of sending again.
	for i := 1; i < MaxRetransmit; i++ {
		clock.Advance(ec.timeout + time.Millisecond)
		toSend := ex.Step(clock.Now())
		if len(toSend) != 1 {
			t.Fatalf("attempt %d: expected a retransmit to be due, got %d", i, len(toSend))
		}
		ex.MarkSent(ec, clock.Now())
	}
	clock.Advance(ec.timeout + time.Millisecond)
	ex.Step(clock.Now())
	if ec.State() != StateFinished || ec.Reason() != ReasonErrorTimeout {
		t.Fatalf("expected the exchange to give up after MaxRetransmit attempts, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesMaxTransmitWaitTimeout(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	clock.Advance(MaxTransmitWait + time.Second)
	ex.Step(clock.Now())
	if ec.State() != StateFinished || ec.Reason() != ReasonErrorTimeout {
		t.Fatalf("expected MaxTransmitWait to force a timeout, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesNetworkError(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)

	ex.NetworkError(ec, errTestFailure)
	if ec.Reason() != ReasonErrorNetwork || ec.Err() != errTestFailure {
		t.Fatalf("expected ReasonErrorNetwork with the reported error, got reason=%v err=%v", ec.Reason(), ec.Err())
	}
}

func TestExchangesOpenServerRequestCacheHit(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	token := []byte{1, 2, 3}
	entry := &ResponseCacheEntry{Token: token, MsgID: 7, Payload: []byte("cached"), Code: uint8(codes.Content)}
	ex.cache.Store(entry, clock.Now(), time.Minute)

	in := &Message{Token: token, MsgID: 7}
	ec, cached, hit := ex.OpenServerRequest(in)
	if hit == CacheMiss {
		t.Fatalf("expected a cache hit")
	}
	if ec != nil {
		t.Errorf("expected no new exchange context on a cache hit")
	}
	if cached == nil || string(cached.Payload) != "cached" {
		t.Fatalf("expected the cached entry to be returned, got %+v", cached)
	}
}

// S6: a request body larger than maxBlockSize goes out as BLOCK1 chunks,
// each advanced by a 2.31 Continue echoing the block just sent (P2).
func TestExchangesBlock1ClientUpload(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	body := make([]byte, maxBlockSize+100)
	for i := range body {
		body[i] = byte(i)
	}
	msg := &Message{Type: MsgCON, Code: codes.POST, Payload: body}

	ec, err := ex.OpenClientRequest(msg)
	if err != nil {
		t.Fatalf("OpenClientRequest: %v", err)
	}
	if ec.Out.Block1 == nil || ec.Out.Block1.Num != 0 || !ec.Out.Block1.More {
		t.Fatalf("expected first chunk to carry Block1{Num:0,More:true}, got %+v", ec.Out.Block1)
	}
	if len(ec.Out.Payload) != maxBlockSize {
		t.Fatalf("expected the first chunk to be maxBlockSize bytes, got %d", len(ec.Out.Payload))
	}
	ex.MarkSent(ec, clock.Now())

	ack := &Message{Type: MsgACK, Code: codes.Continue, Token: ec.Token, Block1: &BlockOption{Num: 0}}
	if !ex.Deliver(ack) {
		t.Fatalf("expected Deliver to advance the block1 upload")
	}
	if ec.State() != StateMsgToSend {
		t.Fatalf("expected the next chunk queued for sending, got %v", ec.State())
	}
	if ec.Out.Block1.Num != 1 || ec.Out.Block1.More {
		t.Fatalf("expected the final chunk Block1{Num:1,More:false}, got %+v", ec.Out.Block1)
	}
	if len(ec.Out.Payload) != 100 {
		t.Fatalf("expected the final chunk to carry the remaining 100 bytes, got %d", len(ec.Out.Payload))
	}
	ex.MarkSent(ec, clock.Now())

	final := &Message{Type: MsgACK, Code: codes.Changed, Token: ec.Token}
	if !ex.Deliver(final) {
		t.Fatalf("expected Deliver to finish the upload")
	}
	if ec.State() != StateFinished || ec.Reason() != ReasonSuccess {
		t.Fatalf("expected finished/success, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesBlock1AckMismatchIsProtocolError(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	body := make([]byte, maxBlockSize+10)
	msg := &Message{Type: MsgCON, Code: codes.POST, Payload: body}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	ack := &Message{Type: MsgACK, Code: codes.Continue, Token: ec.Token, Block1: &BlockOption{Num: 5}}
	ex.Deliver(ack)
	if ec.Reason() != ReasonErrorProtocol {
		t.Fatalf("expected ReasonErrorProtocol on a mismatched block1 ack, got %v", ec.Reason())
	}
}

// Server-originated BLOCK1 upload: an out-of-order chunk is dropped, not
// errored, and reassembly completes once every chunk in order has arrived.
func TestReassembleServerBlock1InOrderAndOutOfOrder(t *testing.T) {
	ec := &ExchangeContext{}
	first := &Message{Block1: &BlockOption{Num: 0, More: true, SizeExp: blockSizeExp(16)}, Payload: make([]byte, 16)}
	ex := newTestExchanges(newFakeClock())
	if ex.ReassembleServerBlock1(ec, first) {
		t.Fatalf("expected reassembly to report incomplete after the first chunk")
	}

	outOfOrder := &Message{Block1: &BlockOption{Num: 2, More: false}, Payload: make([]byte, 8)}
	if ex.ReassembleServerBlock1(ec, outOfOrder) {
		t.Fatalf("expected an out-of-order chunk to be silently ignored, not completed")
	}
	if ec.block.num != 0 {
		t.Fatalf("expected block state to remain at num=0 after the dropped chunk, got %d", ec.block.num)
	}

	second := &Message{Block1: &BlockOption{Num: 1, More: false}, Payload: make([]byte, 8)}
	if !ex.ReassembleServerBlock1(ec, second) {
		t.Fatalf("expected reassembly to complete once block 1 arrives in order")
	}
	if len(ec.block.full) != 24 {
		t.Fatalf("expected the reassembled body to be 24 bytes, got %d", len(ec.block.full))
	}
}

// Oversized outgoing server responses fragment via PrepareBlockResponse,
// honoring a peer-requested starting block on the follow-up request.
func TestPrepareBlockResponseFragmentsAndContinues(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	token := []byte("rsp-token")
	full := make([]byte, maxBlockSize+50)

	resp := &Message{Payload: append([]byte(nil), full...)}
	ex.PrepareBlockResponse(token, nil, resp)
	if resp.Block2 == nil || resp.Block2.Num != 0 || !resp.Block2.More {
		t.Fatalf("expected the first response chunk to carry Block2{Num:0,More:true}, got %+v", resp.Block2)
	}
	if len(resp.Payload) != maxBlockSize {
		t.Fatalf("expected first chunk of maxBlockSize bytes, got %d", len(resp.Payload))
	}

	cont := &Message{Payload: nil}
	ex.PrepareBlockResponse(token, &BlockOption{Num: 1}, cont)
	if cont.Block2 == nil || cont.Block2.Num != 1 || cont.Block2.More {
		t.Fatalf("expected the final chunk Block2{Num:1,More:false}, got %+v", cont.Block2)
	}
	if len(cont.Payload) != 50 {
		t.Fatalf("expected the remaining 50 bytes, got %d", len(cont.Payload))
	}
}

// RFC 7252 §5.2.2: an empty ACK on a Confirmable request stops retransmission
// and waits for the delayed response bounded by MaxExchangeLifetime instead
// of completing the exchange outright.
func TestExchangesSeparateResponseMode(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	emptyAck := &Message{Type: MsgACK, Code: 0, Token: ec.Token}
	if !ex.Deliver(emptyAck) {
		t.Fatalf("expected Deliver to accept the empty ack")
	}
	if ec.State() != StateWaitingMsg || !ec.separateResponse {
		t.Fatalf("expected the exchange to keep waiting in separate-response mode")
	}

	clock.Advance(MaxTransmitWait + time.Second)
	ex.Step(clock.Now())
	if ec.State() == StateFinished {
		t.Fatalf("expected separate-response mode to survive past MaxTransmitWait")
	}

	clock.Advance(MaxExchangeLifetime)
	ex.Step(clock.Now())
	if ec.State() != StateFinished || ec.Reason() != ReasonErrorTimeout {
		t.Fatalf("expected MaxExchangeLifetime to time out the exchange, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesSeparateResponseDelivered(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())
	ex.Deliver(&Message{Type: MsgACK, Code: 0, Token: ec.Token})

	delayed := &Message{Type: MsgCON, Code: codes.Content, Token: ec.Token, Payload: []byte("late")}
	if !ex.Deliver(delayed) {
		t.Fatalf("expected the delayed response to be delivered")
	}
	if ec.State() != StateFinished || ec.Reason() != ReasonSuccess {
		t.Fatalf("expected the delayed response to finish the exchange, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

// A Confirmable Observe notification's empty ACK completes the exchange
// outright - it has no separate response to wait for.
func TestExchangesNotifyEmptyAckCompletes(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.Content, Token: []byte("obs-token")}
	ec, err := ex.OpenNotify(msg)
	if err != nil {
		t.Fatalf("OpenNotify: %v", err)
	}
	if string(ec.Token) != "obs-token" {
		t.Fatalf("expected OpenNotify to preserve the caller's token, got %q", ec.Token)
	}
	ex.MarkSent(ec, clock.Now())

	ex.Deliver(&Message{Type: MsgACK, Code: 0, Token: ec.Token})
	if ec.State() != StateFinished || ec.Reason() != ReasonSuccess {
		t.Fatalf("expected the notify exchange to finish on its empty ack, got state=%v reason=%v", ec.State(), ec.Reason())
	}
}

func TestExchangesNextDue(t *testing.T) {
	clock := newFakeClock()
	ex := newTestExchanges(clock)
	msg := &Message{Type: MsgCON, Code: codes.GET}
	ec, _ := ex.OpenClientRequest(msg)
	ex.MarkSent(ec, clock.Now())

	due := ex.NextDue(clock.Now())
	if !due.Has {
		t.Fatalf("expected a pending retransmission deadline")
	}
	if due.At != ec.nextTry {
		t.Errorf("expected NextDue to report ec's nextTry, got %v vs %v", due.At, ec.nextTry)
	}
}
