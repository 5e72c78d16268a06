package lwm2mcore

import "time"

// fakeClock is a manually advanced Clock for deterministic engine tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time      { return c.now }
func (c *fakeClock) WallTime() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeRng produces deterministic, non-zero "random" bytes for tests that
// exercise token/message-id generation without needing true randomness.
type fakeRng struct{ next byte }

func (r *fakeRng) Read(buf []byte) error {
	for i := range buf {
		r.next++
		buf[i] = r.next
	}
	return nil
}
