package lwm2mcore

import (
	"crypto/rand"
	"time"
)

// Clock abstracts monotonic and wall-clock time sources so the core can be
// driven deterministically in tests. The concrete source (a real OS clock,
// an NTP-disciplined clock, a virtual clock in tests) is an external
// collaborator; every engine only ever calls through this interface, never
// time.Now() directly.
type Clock interface {
	// Now returns a monotonic instant used for all deadline arithmetic:
	// retransmit timers, pmin/pmax, the disable timer, the queue-mode
	// timeout.
	Now() time.Time
	// WallTime returns the current wall-clock time. Used only for
	// LwM2M Time-typed resources (e.g. /3/0/13 Current Time) - never for
	// deadline arithmetic, which must stay monotonic.
	WallTime() time.Time
}

// Rng abstracts a source of random bytes. Used for CoAP tokens, message
// ids, and retransmit jitter. DTLS entropy is the reference transport's own
// concern and does not go through this interface.
type Rng interface {
	// Read fills buf with random bytes. A short read is always reported as
	// an error, never silently truncated.
	Read(buf []byte) error
}

// SystemClock is the trivial Clock backed by the OS monotonic/wall clocks.
type SystemClock struct{}

func (SystemClock) Now() time.Time      { return time.Now() }
func (SystemClock) WallTime() time.Time { return time.Now() }

// CryptoRng is the trivial Rng backed by crypto/rand.
type CryptoRng struct{}

func (CryptoRng) Read(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}
