package lwm2mcore

import (
	"fmt"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Config wires a Core's collaborators. Only Account and Transport are
// required; everything else defaults to the reference implementation.
type Config struct {
	Account   ServerAccount
	Transport Transport
	Clock     Clock  // defaults to SystemClock
	Rng       Rng    // defaults to CryptoRng
	Logger    Logger // defaults to a no-op logger

	// DefaultAttrs seeds the observation engine's fallback pmin/pmax for
	// observations that name no attributes of their own.
	DefaultAttrs Attributes
}

// Core is the top-level object the application drives: one Step() call per
// cooperative scheduling tick, wiring the exchange, registration session,
// observation, and data model engines together exactly as §5 describes -
// no goroutines, no internal threads, suspension expressed through
// TransportResult rather than blocking.
type Core struct {
	clock     Clock
	rng       Rng
	transport Transport
	logger    Logger

	registry  *Registry
	cache     *ResponseCache
	exchanges *Exchanges
	observer  *Observer
	session   *Session
	attrStore *AttributeStore

	defaultAttrs Attributes
	recvBuf      []byte
}

func NewCore(cfg Config) (*Core, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("lwm2mcore: Config.Transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Rng == nil {
		cfg.Rng = CryptoRng{}
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	registry := NewRegistry()
	cache := NewResponseCache()
	c := &Core{
		clock:        cfg.Clock,
		rng:          cfg.Rng,
		transport:    cfg.Transport,
		logger:       cfg.Logger,
		registry:     registry,
		cache:        cache,
		exchanges:    NewExchanges(cfg.Clock, cfg.Rng, cache),
		observer:     NewObserver(cfg.Clock),
		session:      NewSession(cfg.Clock, cfg.Account),
		attrStore:    NewAttributeStore(),
		defaultAttrs: cfg.DefaultAttrs,
		recvBuf:      make([]byte, 2048),
	}
	registry.SetNotifyFunc(func(ev ChangeEvent) {
		c.observer.OnChange(ev, registry.Read)
	})
	return c, nil
}

func (c *Core) Registry() *Registry       { return c.registry }
func (c *Core) Session() *Session         { return c.session }
func (c *Core) Observer() *Observer       { return c.observer }
func (c *Core) ResponseCache() *ResponseCache { return c.cache }
func (c *Core) AttributeStore() *AttributeStore { return c.attrStore }

// Step runs one cooperative scheduling tick: it advances the registration
// session state machine, retransmits/starts exchanges, drains any inbound
// datagrams, and fires any observations that have come due. It never
// blocks - a Transport reporting AGAIN or INPROGRESS simply means that
// piece of work waits for the next Step.
func (c *Core) Step() error {
	now := c.clock.Now()

	c.stepSession(now)
	c.stepExchanges(now)
	c.drainInbound(now)
	c.stepObservations(now)

	return nil
}

func (c *Core) stepSession(now time.Time) {
	switch c.session.Step(now) {
	case ActionSendBootstrapRequest:
		c.startExchange(c.buildBootstrapRequest())
	case ActionSendRegister:
		c.startExchange(c.buildRegisterRequest())
	case ActionSendUpdate:
		c.startExchange(c.buildUpdateRequest())
	case ActionSendDeregister:
		c.startExchange(c.buildDeregisterRequest())
	case ActionEnterQueueMode:
		c.transport.SetQueueModeRxOff(true)
	}
}

func (c *Core) startExchange(msg *Message) {
	if _, err := c.exchanges.OpenClientRequest(msg); err != nil {
		logf(c.logger, "lwm2mcore: failed to open exchange: %v", err)
	}
}

// startNotifyExchange opens an exchange for an Observe notification, which
// must keep msg's existing token rather than being assigned a fresh one.
func (c *Core) startNotifyExchange(msg *Message) {
	if _, err := c.exchanges.OpenNotify(msg); err != nil {
		logf(c.logger, "lwm2mcore: failed to open notify exchange: %v", err)
	}
}

func (c *Core) stepExchanges(now time.Time) {
	for _, ec := range c.exchanges.Step(now) {
		buf, err := EncodeMessage(ec.Out)
		if err != nil {
			c.exchanges.NetworkError(ec, err)
			continue
		}
		switch c.transport.Send(buf) {
		case TransportOK:
			c.exchanges.MarkSent(ec, now)
		case TransportAgain, TransportInProgress:
			// try again next Step
		case TransportError:
			c.exchanges.NetworkError(ec, fmt.Errorf("lwm2mcore: transport send failed"))
		}
	}
	c.reapFinishedExchanges()
}

func (c *Core) reapFinishedExchanges() {
	for _, ec := range c.exchangeSnapshot() {
		if ec.State() != StateFinished {
			continue
		}
		c.handleFinishedExchange(ec)
		c.exchanges.Close(ec)
	}
}

func (c *Core) exchangeSnapshot() []*ExchangeContext {
	var out []*ExchangeContext
	for _, ec := range c.exchanges.live {
		out = append(out, ec)
	}
	return out
}

func (c *Core) handleFinishedExchange(ec *ExchangeContext) {
	now := c.clock.Now()
	switch ec.Reason() {
	case ReasonSuccess:
		c.onExchangeSuccess(ec, now)
	default:
		logf(c.logger, "lwm2mcore: exchange %s: %v", ec.Reason(), ec.Err())
		if ec.Out != nil && ec.Out.Observe != nil {
			c.handleFailedNotify(ec)
			return
		}
		c.session.OnFailure(ec.Err(), now)
	}
}

// handleFailedNotify reacts to a notification exchange that did not
// complete successfully. An explicit RST cancels the observation outright -
// the peer is telling us it no longer wants it. Any other failure (timeout,
// network error) is just logged: a dropped notification says nothing about
// the registration itself, and the next due cycle will simply try again.
func (c *Core) handleFailedNotify(ec *ExchangeContext) {
	if ec.Reason() == ReasonErrorRequest {
		c.observer.Cancel(ec.Token)
	}
}

func (c *Core) onExchangeSuccess(ec *ExchangeContext, now time.Time) {
	if ec.Out == nil || ec.In == nil {
		return
	}
	switch {
	case ec.Out.URI == "bs":
		c.session.OnBootstrapSuccess(now)
	case ec.Out.URI == "rd":
		c.session.OnRegisterSuccess(locationFromResponse(ec.In), now)
	case strings.HasPrefix(ec.Out.URI, "rd/") && ec.Out.Code == codes.DELETE:
		// deregister response: nothing left to track.
	case strings.HasPrefix(ec.Out.URI, "rd/"):
		c.session.OnUpdateSuccess(now)
	}
}

func locationFromResponse(resp *Message) string {
	if resp.URI != "" {
		return resp.URI
	}
	return string(resp.Token)
}

func (c *Core) drainInbound(now time.Time) {
	for {
		n, res := c.transport.Recv(c.recvBuf)
		if res == TransportAgain {
			return
		}
		if res == TransportError {
			logf(c.logger, "lwm2mcore: transport recv error")
			return
		}
		msg, err := DecodeMessage(c.recvBuf[:n])
		if err != nil {
			logf(c.logger, "lwm2mcore: dropping malformed datagram: %v", err)
			continue
		}
		c.handleInbound(msg, now)
	}
}

func (c *Core) handleInbound(msg *Message, now time.Time) {
	isRequest := msg.Code >= codes.GET && msg.Code>>5 == 0
	if !isRequest || msg.Type == MsgACK || msg.Type == MsgRST {
		if c.exchanges.Deliver(msg) {
			return
		}
	}
	if !isRequest {
		// a response or empty message matching no live exchange is ignored
		return
	}
	c.handleServerRequest(msg, now)
}

func (c *Core) stepObservations(now time.Time) {
	for _, obs := range c.observer.Due(now) {
		c.sendNotify(obs, now)
	}
}

// NextStepTime reports when Core should next be stepped: the earliest of
// the next exchange retransmission and the next observation due time, so
// the caller can sleep precisely instead of busy-polling.
func (c *Core) NextStepTime() time.Time {
	now := c.clock.Now()
	d := c.exchanges.NextDue(now)
	if t, ok := c.observer.NextDueTime(now); ok {
		d = earliestDeadline(d, NextStepDeadline{At: t, Has: true})
	}
	if !d.Has {
		return now.Add(time.Second)
	}
	return d.At
}

// Shutdown releases the underlying transport. After Shutdown, Step must
// not be called again.
func (c *Core) Shutdown() error {
	if c.transport.Close() == TransportError {
		return fmt.Errorf("lwm2mcore: error closing transport")
	}
	return nil
}
