package lwm2mcore

import (
	"fmt"
	"strings"
	"time"
)

// ServerAccount is one configured LwM2M server account: the connection
// target plus the registration parameters the session engine negotiates
// with it.
type ServerAccount struct {
	ServerURI     string
	EndpointName  string
	ShortServerID uint16
	Lifetime      int // seconds
	Binding       string // "U", "UQ", "S", "SQ", "US", "UQS"
	Bootstrap     bool
	RetryParams   CommRetryParams

	// DisableTimeout is how long a Disable (Execute on /1/x/4 with no
	// argument) suspends the session before it re-registers - Server
	// object resource 5. Defaults to 24h when zero.
	DisableTimeout time.Duration

	// DefaultPmin/DefaultPmax/DefaultCon are the account-wide notification
	// attribute defaults (§4.3's last precedence layer) applied when
	// neither the request, the exact path, nor an ancestor path names its
	// own value.
	DefaultPmin int
	DefaultPmax int
	DefaultCon  bool

	// MuteSend, when true, suppresses all Send operation traffic for this
	// account (LwM2M's fire-and-forget Send interface is out of this
	// package's scope; the flag is carried for a future sender to consult).
	MuteSend bool
}

func (a ServerAccount) queueMode() bool {
	return strings.ContainsRune(a.Binding, 'Q')
}

// RegState is the registration session engine's top-level state.
type RegState int

const (
	StateInitial RegState = iota
	StateBootstrapping
	StateRegistering
	StateRegistered
	StateEnteringQueueMode
	StateQueueMode
	StateSuspended
	StateFailure
)

func (s RegState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateBootstrapping:
		return "bootstrapping"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateEnteringQueueMode:
		return "entering_queue_mode"
	case StateQueueMode:
		return "queue_mode"
	case StateSuspended:
		return "suspended"
	case StateFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// SessionAction is what Session.Step wants Core to do next.
type SessionAction int

const (
	ActionNone SessionAction = iota
	ActionSendBootstrapRequest
	ActionSendRegister
	ActionSendUpdate
	ActionSendDeregister
	ActionEnterQueueMode
)

// queueModeIdleFraction sets how long a queue-mode account ('Q' in its
// Binding) stays idle past its last successful Register/Update before
// entering Queue Mode: this fraction of the account's update interval.
// Queue Mode is entered only while the next Update is still ahead.
const queueModeIdleFraction = 0.2

// Session is the registration session engine: the Initial -> Bootstrapping/
// Registering -> Registered -> EnteringQueueMode -> QueueMode/Suspended ->
// Failure state machine, one per configured ServerAccount.
type Session struct {
	clock Clock

	account ServerAccount
	state   RegState
	regID   string

	lastActivity time.Time
	nextUpdate   time.Time
	retry        *retrySchedule
	lastErr      error

	// disableUntil is non-zero while Suspended was entered via Disable,
	// arming an auto-resume once it elapses - distinct from a plain
	// OnNetworkDown suspension, which waits for an explicit Resume.
	disableUntil time.Time
}

func NewSession(clock Clock, account ServerAccount) *Session {
	if account.RetryParams == (CommRetryParams{}) {
		account.RetryParams = DefaultCommRetryParams
	}
	return &Session{
		clock:   clock,
		account: account,
		state:   StateInitial,
		retry:   newRetrySchedule(account.RetryParams, clock.Now()),
	}
}

func (s *Session) State() RegState   { return s.state }
func (s *Session) Err() error        { return s.lastErr }
func (s *Session) RegistrationID() string { return s.regID }

// updateInterval picks how long after the last successful exchange to send
// the next Update: the shorter of half the lifetime and
// lifetime-MaxTransmitWait, so an Update always has time to complete (with
// retransmits) before the registration would otherwise expire.
func (s *Session) updateInterval() time.Duration {
	lifetime := time.Duration(s.account.Lifetime) * time.Second
	half := lifetime / 2
	margin := lifetime - MaxTransmitWait
	if margin > 0 && margin < half {
		return margin
	}
	return half
}

// Step advances the state machine and reports the action Core should take.
func (s *Session) Step(now time.Time) SessionAction {
	switch s.state {
	case StateInitial:
		if s.account.Bootstrap {
			s.state = StateBootstrapping
			return ActionSendBootstrapRequest
		}
		s.state = StateRegistering
		return ActionSendRegister
	case StateBootstrapping, StateRegistering:
		if s.retry.Due(now) {
			if s.state == StateBootstrapping {
				return ActionSendBootstrapRequest
			}
			return ActionSendRegister
		}
	case StateRegistered:
		if s.account.queueMode() {
			idleFor := now.Sub(s.lastActivity)
			idleThreshold := time.Duration(float64(s.updateInterval()) * queueModeIdleFraction)
			if idleFor >= idleThreshold && now.Before(s.nextUpdate) {
				s.state = StateEnteringQueueMode
				return ActionEnterQueueMode
			}
		}
		if !now.Before(s.nextUpdate) {
			return ActionSendUpdate
		}
	case StateEnteringQueueMode:
		s.state = StateQueueMode
	case StateQueueMode:
		if !now.Before(s.nextUpdate) {
			s.state = StateRegistered
			return ActionSendUpdate
		}
	case StateSuspended:
		if !s.disableUntil.IsZero() && !now.Before(s.disableUntil) {
			s.disableUntil = time.Time{}
			s.state = StateRegistering
			s.retry.Reset(now)
			return ActionSendRegister
		}
	}
	return ActionNone
}

// OnBootstrapSuccess transitions from Bootstrapping into Registering once
// the bootstrap server has finished writing the client's configuration.
func (s *Session) OnBootstrapSuccess(now time.Time) {
	s.state = StateRegistering
	s.retry.Reset(now)
	s.lastActivity = now
}

func (s *Session) OnRegisterSuccess(regID string, now time.Time) {
	s.regID = regID
	s.state = StateRegistered
	s.lastActivity = now
	s.nextUpdate = now.Add(s.updateInterval())
	s.retry.Reset(now)
	s.lastErr = nil
}

func (s *Session) OnUpdateSuccess(now time.Time) {
	s.lastActivity = now
	s.nextUpdate = now.Add(s.updateInterval())
	if s.state == StateQueueMode || s.state == StateEnteringQueueMode {
		s.state = StateRegistered
	}
	s.retry.Reset(now)
}

// OnFailure records a failed Bootstrap/Register/Update attempt, moving to
// Failure once the configured retry budget is exhausted.
func (s *Session) OnFailure(err error, now time.Time) {
	s.lastErr = err
	if s.retry.Failed(now) {
		s.state = StateFailure
	}
}

// OnNetworkDown suspends the session - distinct from Failure: the session
// stays Suspended until Resume is called, which returns it to Registered
// without the application restarting registration.
func (s *Session) OnNetworkDown() {
	s.state = StateSuspended
}

func (s *Session) Resume(now time.Time) {
	if s.state != StateSuspended {
		return
	}
	s.state = StateRegistered
	s.disableUntil = time.Time{}
	s.retry.Reset(now)
}

// Deregister moves the session back to Initial and reports the action to
// send a Deregister request, unless the session was never registered.
func (s *Session) Deregister() (SessionAction, error) {
	switch s.state {
	case StateRegistered, StateQueueMode, StateEnteringQueueMode:
		s.state = StateInitial
		return ActionSendDeregister, nil
	default:
		s.state = StateInitial
		return ActionNone, fmt.Errorf("lwm2mcore: deregister called while not registered (state=%s)", s.state)
	}
}

// Disable transitions a Registered/QueueMode session into Suspended (S5):
// the session deregisters and arms an auto-resume timer for duration, or
// the account's DisableTimeout (default 24h) if duration is zero - an
// Execute on /1/x/4 (Disable) with no argument always passes zero.
func (s *Session) Disable(now time.Time, duration time.Duration) (SessionAction, error) {
	switch s.state {
	case StateRegistered, StateQueueMode, StateEnteringQueueMode:
		if duration <= 0 {
			duration = s.account.DisableTimeout
		}
		if duration <= 0 {
			duration = 24 * time.Hour
		}
		s.state = StateSuspended
		s.disableUntil = now.Add(duration)
		return ActionSendDeregister, nil
	default:
		return ActionNone, fmt.Errorf("lwm2mcore: disable called while not registered (state=%s)", s.state)
	}
}

// TriggerBootstrap moves a Registered session into Bootstrapping, as if the
// application had called request_bootstrap - used for an Execute on the
// Bootstrap-Request Trigger resource (/1/x/9).
func (s *Session) TriggerBootstrap(now time.Time) (SessionAction, error) {
	if s.state != StateRegistered {
		return ActionNone, fmt.Errorf("lwm2mcore: bootstrap trigger called while not registered (state=%s)", s.state)
	}
	s.state = StateBootstrapping
	s.retry.Reset(now)
	return ActionSendBootstrapRequest, nil
}
