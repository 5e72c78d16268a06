package lwm2mcore

import (
	"testing"
	"time"
)

func TestResponseCacheLookupMiss(t *testing.T) {
	c := NewResponseCache()
	if _, hit := c.Lookup([]byte("tok"), 1, time.Now()); hit != CacheMiss {
		t.Errorf("expected CacheMiss on empty cache, got %v", hit)
	}
}

func TestResponseCacheStoreAndLookupByToken(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	entry := &ResponseCacheEntry{Token: []byte("tok1"), MsgID: 5, Payload: []byte("hello")}
	c.Store(entry, now, 0)

	got, hit := c.Lookup([]byte("tok1"), 0, now)
	if hit != HitRecent {
		t.Fatalf("expected HitRecent, got %v", hit)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("got payload %q", got.Payload)
	}
}

func TestResponseCacheLookupByMsgIDWhenNoToken(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	c.Store(&ResponseCacheEntry{MsgID: 42, Payload: []byte("x")}, now, 0)
	_, hit := c.Lookup(nil, 42, now)
	if hit != HitRecent {
		t.Fatalf("expected HitRecent matching by msgID, got %v", hit)
	}
}

func TestResponseCacheExpiry(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	c.Store(&ResponseCacheEntry{Token: []byte("t"), Payload: []byte("x")}, now, time.Second)
	if _, hit := c.Lookup([]byte("t"), 0, now.Add(2*time.Second)); hit != CacheMiss {
		t.Errorf("expected expired entry to miss, got %v", hit)
	}
}

func TestResponseCacheDemotesToNonRecent(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	for i := 0; i < cacheSlotCount; i++ {
		c.Store(&ResponseCacheEntry{Token: []byte{byte(i)}, Payload: []byte("x")}, now, 0)
	}
	// Storing one more evicts recent[0] into non-recent.
	c.Store(&ResponseCacheEntry{Token: []byte{99}, Payload: []byte("y")}, now, 0)
	if _, hit := c.Lookup([]byte{0}, 0, now); hit != HitNonRecent {
		t.Errorf("expected demoted entry to be found as HitNonRecent, got %v", hit)
	}
}
