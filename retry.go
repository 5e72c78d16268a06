package lwm2mcore

import "time"

// CommRetryParams configures the registration session engine's retry
// behaviour when a Register/Update/Bootstrap request fails: a number of
// retry sequences, each a count of attempts spaced by a per-sequence
// delay, with a longer delay before the next sequence begins. Mirrors the
// OMA LwM2M client registration retry mechanism.
type CommRetryParams struct {
	RetryCount    int           // attempts per sequence
	RetryTimer    time.Duration // delay between attempts within a sequence
	SeqRetryCount int           // number of sequences
	SeqDelayTimer time.Duration // delay before starting the next sequence
}

// DefaultCommRetryParams matches the values the OMA LwM2M spec suggests.
var DefaultCommRetryParams = CommRetryParams{
	RetryCount:    1,
	RetryTimer:    60 * time.Second,
	SeqRetryCount: 1,
	SeqDelayTimer: 24 * time.Hour,
}

// retrySchedule tracks progress through a CommRetryParams plan.
type retrySchedule struct {
	params   CommRetryParams
	attempt  int
	sequence int
	nextAt   time.Time
}

func newRetrySchedule(params CommRetryParams, now time.Time) *retrySchedule {
	return &retrySchedule{params: params, nextAt: now}
}

// Failed records one failed attempt and schedules the next one, reporting
// exhausted=true once every retry sequence has been used up.
func (s *retrySchedule) Failed(now time.Time) (exhausted bool) {
	s.attempt++
	if s.attempt < s.params.RetryCount {
		s.nextAt = now.Add(s.params.RetryTimer)
		return false
	}
	s.attempt = 0
	s.sequence++
	if s.sequence >= s.params.SeqRetryCount {
		return true
	}
	s.nextAt = now.Add(s.params.SeqDelayTimer)
	return false
}

func (s *retrySchedule) Reset(now time.Time) {
	s.attempt = 0
	s.sequence = 0
	s.nextAt = now
}

func (s *retrySchedule) Due(now time.Time) bool {
	return !now.Before(s.nextAt)
}
