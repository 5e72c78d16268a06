package lwm2mcore

import (
	"testing"
	"time"
)

func testAccount() ServerAccount {
	return ServerAccount{
		ServerURI:     "coap://server.example:5683",
		EndpointName:  "urn:imei:0000",
		ShortServerID: 1,
		Lifetime:      3600,
		Binding:       "U",
		RetryParams: CommRetryParams{
			RetryCount:    2,
			RetryTimer:    10 * time.Second,
			SeqRetryCount: 2,
			SeqDelayTimer: 60 * time.Second,
		},
	}
}

// Initial registration from a clean state.
func TestSessionInitialRegistration(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	if s.State() != StateInitial {
		t.Fatalf("expected initial state, got %s", s.State())
	}
	action := s.Step(clock.Now())
	if action != ActionSendRegister {
		t.Fatalf("expected ActionSendRegister, got %v", action)
	}
	if s.State() != StateRegistering {
		t.Fatalf("expected registering state, got %s", s.State())
	}
	s.OnRegisterSuccess("reg-123", clock.Now())
	if s.State() != StateRegistered {
		t.Fatalf("expected registered state, got %s", s.State())
	}
	if s.RegistrationID() != "reg-123" {
		t.Errorf("expected registration id to be recorded, got %q", s.RegistrationID())
	}
}

func TestSessionBootstrapThenRegister(t *testing.T) {
	clock := newFakeClock()
	acct := testAccount()
	acct.Bootstrap = true
	s := NewSession(clock, acct)
	if action := s.Step(clock.Now()); action != ActionSendBootstrapRequest {
		t.Fatalf("expected ActionSendBootstrapRequest, got %v", action)
	}
	s.OnBootstrapSuccess(clock.Now())
	if s.State() != StateRegistering {
		t.Fatalf("expected registering after bootstrap success, got %s", s.State())
	}
	if action := s.Step(clock.Now()); action != ActionSendRegister {
		t.Fatalf("expected ActionSendRegister immediately after bootstrap success (retry schedule resets due at now), got %v", action)
	}
}

// S2: update once nextUpdate elapses.
func TestSessionUpdateCycle(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	if action := s.Step(clock.Now()); action != ActionNone {
		t.Fatalf("expected no action before update interval elapses, got %v", action)
	}
	clock.Advance(31 * time.Minute)
	action := s.Step(clock.Now())
	if action != ActionSendUpdate {
		t.Fatalf("expected ActionSendUpdate once the interval has elapsed, got %v", action)
	}
	s.OnUpdateSuccess(clock.Now())
	if s.State() != StateRegistered {
		t.Fatalf("expected still registered after update success, got %s", s.State())
	}
}

// Repeated registration failure exhausts the retry budget and moves to Failure.
func TestSessionRegistrationFailureExhaustsRetries(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Step(clock.Now())

	s.OnFailure(errTestFailure, clock.Now())
	if s.State() == StateFailure {
		t.Fatalf("did not expect failure after the first attempt (RetryCount=2)")
	}
	clock.Advance(11 * time.Second)
	if !s.retry.Due(clock.Now()) {
		t.Fatalf("expected retry to be due after RetryTimer elapses")
	}
	action := s.Step(clock.Now())
	if action != ActionSendRegister {
		t.Fatalf("expected a retried ActionSendRegister, got %v", action)
	}
	s.OnFailure(errTestFailure, clock.Now())

	clock.Advance(61 * time.Second)
	action = s.Step(clock.Now())
	if action != ActionSendRegister {
		t.Fatalf("expected ActionSendRegister for the second sequence, got %v", action)
	}
	s.OnFailure(errTestFailure, clock.Now())
	clock.Advance(11 * time.Second)
	s.Step(clock.Now())
	s.OnFailure(errTestFailure, clock.Now())

	if s.State() != StateFailure {
		t.Fatalf("expected StateFailure once every retry sequence is exhausted, got %s", s.State())
	}
	if s.Err() != errTestFailure {
		t.Errorf("expected Err() to report the last failure")
	}
}

// A network-down/suspend and resume cycle for a registered session.
func TestSessionSuspendAndResume(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	s.OnNetworkDown()
	if s.State() != StateSuspended {
		t.Fatalf("expected suspended state, got %s", s.State())
	}
	if action := s.Step(clock.Now()); action != ActionNone {
		t.Errorf("expected no action while suspended, got %v", action)
	}

	s.Resume(clock.Now())
	if s.State() != StateRegistered {
		t.Fatalf("expected registered state after resume, got %s", s.State())
	}
}

func TestSessionResumeNoopWhenNotSuspended(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Resume(clock.Now())
	if s.State() != StateInitial {
		t.Errorf("expected Resume to be a no-op outside StateSuspended, got %s", s.State())
	}
}

func TestSessionDeregister(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	action, err := s.Deregister()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSendDeregister {
		t.Errorf("expected ActionSendDeregister, got %v", action)
	}
	if s.State() != StateInitial {
		t.Errorf("expected initial state after deregister, got %s", s.State())
	}
}

func TestSessionDeregisterWhenNotRegisteredErrors(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	if _, err := s.Deregister(); err == nil {
		t.Errorf("expected an error deregistering a session that was never registered")
	}
}

func TestSessionQueueModeTransition(t *testing.T) {
	clock := newFakeClock()
	acct := testAccount()
	acct.Binding = "UQ"
	acct.Lifetime = 100
	s := NewSession(clock, acct)
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	clock.Advance(time.Duration(float64(s.updateInterval()) * (queueModeIdleFraction + 0.05)))
	action := s.Step(clock.Now())
	if action != ActionEnterQueueMode {
		t.Fatalf("expected ActionEnterQueueMode once idle past the threshold, got %v", action)
	}
	if s.State() != StateEnteringQueueMode {
		t.Fatalf("expected entering_queue_mode state, got %s", s.State())
	}
	s.Step(clock.Now())
	if s.State() != StateQueueMode {
		t.Fatalf("expected queue_mode state, got %s", s.State())
	}
}

// S5: a Disable execute suspends the session and auto-resumes once the
// timeout elapses, without needing an explicit Resume call.
func TestSessionDisableAutoResumes(t *testing.T) {
	clock := newFakeClock()
	acct := testAccount()
	acct.DisableTimeout = 30 * time.Second
	s := NewSession(clock, acct)
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	action, err := s.Disable(clock.Now(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSendDeregister {
		t.Errorf("expected ActionSendDeregister, got %v", action)
	}
	if s.State() != StateSuspended {
		t.Fatalf("expected suspended state, got %s", s.State())
	}

	clock.Advance(29 * time.Second)
	if action := s.Step(clock.Now()); action != ActionNone {
		t.Errorf("expected no action before the disable timeout elapses, got %v", action)
	}

	clock.Advance(2 * time.Second)
	action = s.Step(clock.Now())
	if action != ActionSendRegister {
		t.Fatalf("expected auto-resume to re-register, got %v", action)
	}
	if s.State() != StateRegistering {
		t.Fatalf("expected registering state after auto-resume, got %s", s.State())
	}
}

func TestSessionDisableWhenNotRegisteredErrors(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	if _, err := s.Disable(clock.Now(), 0); err == nil {
		t.Errorf("expected an error disabling a session that was never registered")
	}
}

// Execute on the Bootstrap-Request Trigger resource moves a registered
// session back into Bootstrapping.
func TestSessionTriggerBootstrap(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	s.Step(clock.Now())
	s.OnRegisterSuccess("reg-1", clock.Now())

	action, err := s.TriggerBootstrap(clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSendBootstrapRequest {
		t.Errorf("expected ActionSendBootstrapRequest, got %v", action)
	}
	if s.State() != StateBootstrapping {
		t.Fatalf("expected bootstrapping state, got %s", s.State())
	}
}

func TestSessionTriggerBootstrapWhenNotRegisteredErrors(t *testing.T) {
	clock := newFakeClock()
	s := NewSession(clock, testAccount())
	if _, err := s.TriggerBootstrap(clock.Now()); err == nil {
		t.Errorf("expected an error triggering bootstrap from a non-registered session")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestFailure = testError("simulated failure")
