package lwm2mcore

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// observeSeqMask keeps the Observe option counter within its 24-bit wire
// width (RFC 7641 §4), wrapping rather than overflowing into a 4th byte.
const observeSeqMask = 0xFFFFFF

// Observation is one active Observe relationship: a token, the path(s) it
// watches (more than one for a composite observe), and the resolved
// attributes governing when it next fires.
type Observation struct {
	Token []byte
	Paths []Path
	Attrs Attributes

	// Confirmable is the resolved con setting this observation notifies
	// with: Attrs.Con, OR'd across every observed path per the composite
	// "any path con ⇒ all confirmable" rule (§4.3). sendNotify may still
	// force a single notification Confirmable under the RFC 7641 §4.5
	// 24-hour fallback even when this is false.
	Confirmable bool

	seq               uint32
	created           time.Time
	lastNotify        time.Time
	lastConfirmableAt time.Time
	lastValues        map[string]Value
	dirty             bool
	cancelled         bool
}

// Seq returns the current 24-bit Observe option value.
func (o *Observation) Seq() uint32 { return o.seq & observeSeqMask }

func tokenKey(token []byte) string { return string(token) }

// Observer is the observation engine: it owns every live Observation and
// decides, each Step, which ones are due to fire. Grounded on
// coap_observe.go's Observations type (token-keyed correlation, RFC 7641
// cancellation commentary) generalized from Matrix long-poll responses to
// arbitrary LwM2M resource paths, and on coap_observe_sync.go's
// gjson/sjson-based change detection for the gt/lt/st threshold evaluation.
type Observer struct {
	clock Clock
	obs   map[string]*Observation
}

func NewObserver(clock Clock) *Observer {
	return &Observer{clock: clock, obs: make(map[string]*Observation)}
}

// Create registers a new observation. initial supplies the baseline value
// for every observed resource path, read atomically (ReadComposite) by the
// caller before Create runs, so the first trigger evaluation has something
// to compare against.
func (ob *Observer) Create(token []byte, paths []Path, attrs Attributes, initial map[Path]Value) (*Observation, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("lwm2mcore: observation must name at least one path")
	}
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	key := tokenKey(token)
	if _, exists := ob.obs[key]; exists {
		return nil, fmt.Errorf("lwm2mcore: observation for token already exists")
	}
	now := ob.clock.Now()
	o := &Observation{
		Token:             token,
		Paths:             append([]Path(nil), paths...),
		Attrs:             attrs,
		Confirmable:       attrs.HasCon && attrs.Con,
		created:           now,
		lastNotify:        now,
		lastConfirmableAt: now,
		lastValues:        make(map[string]Value, len(paths)),
	}
	for _, p := range paths {
		if v, ok := initial[p]; ok {
			o.lastValues[p.String()] = v
		}
	}
	ob.obs[key] = o
	return o, nil
}

func (ob *Observer) Lookup(token []byte) (*Observation, bool) {
	o, ok := ob.obs[tokenKey(token)]
	return o, ok
}

func (ob *Observer) Cancel(token []byte) bool {
	key := tokenKey(token)
	if _, ok := ob.obs[key]; !ok {
		return false
	}
	delete(ob.obs, key)
	return true
}

// CancelByPath removes every observation whose path set includes path -
// used when the data model mediator deletes an instance out from under an
// active observation.
func (ob *Observer) CancelByPath(path Path) int {
	n := 0
	for key, o := range ob.obs {
		for _, p := range o.Paths {
			if p.Equal(path) {
				delete(ob.obs, key)
				n++
				break
			}
		}
	}
	return n
}

// OnChange is the Registry NotifyFunc hook: it runs trigger evaluation for
// every observation whose path set is affected by ev, using read to fetch
// the post-change value for threshold comparisons. A non-resource-level
// change (instance created/deleted) always marks affected observations
// dirty, since gt/lt/st have no meaning there.
func (ob *Observer) OnChange(ev ChangeEvent, read func(Path) (Value, error)) {
	for _, o := range ob.obs {
		for _, p := range o.Paths {
			if !(p.Contains(ev.Path) || ev.Path.Contains(p)) {
				continue
			}
			if ev.Kind != ChangeValueUpdated {
				o.dirty = true
				continue
			}
			newVal, err := read(ev.Path)
			if err != nil {
				o.dirty = true
				continue
			}
			old, hadOld := o.lastValues[ev.Path.String()]
			if !hadOld || evalValueTrigger(old, newVal, o.Attrs) {
				o.dirty = true
			}
			o.lastValues[ev.Path.String()] = newVal
		}
	}
}

// evalValueTrigger decides whether newV crossing from oldV should fire a
// gt/lt/st-gated observation. Values are threaded through a one-key JSON
// document via sjson/gjson rather than compared as Go float64s directly -
// mirroring coap_observe_sync.go's gjson.GetBytes(prev, "next_batch") /
// sjson.SetBytes pattern for pulling a comparable scalar out of an
// otherwise-opaque payload.
func evalValueTrigger(oldV, newV Value, attrs Attributes) bool {
	if attrs.HasEdge && oldV.Type == TypeBool && newV.Type == TypeBool {
		if oldV.Bool != newV.Bool && newV.Bool == (attrs.Edge != 0) {
			return true
		}
		if !attrs.HasGT && !attrs.HasLT && !attrs.HasST {
			return false
		}
	}
	if !attrs.HasGT && !attrs.HasLT && !attrs.HasST && !attrs.HasEdge {
		return true
	}
	oldF, ok1 := jsonRoundTripFloat(oldV)
	newF, ok2 := jsonRoundTripFloat(newV)
	if !ok1 || !ok2 {
		return true
	}
	if attrs.HasGT && newF > attrs.GT && oldF <= attrs.GT {
		return true
	}
	if attrs.HasLT && newF < attrs.LT && oldF >= attrs.LT {
		return true
	}
	if attrs.HasST {
		delta := newF - oldF
		if delta < 0 {
			delta = -delta
		}
		if delta >= attrs.ST {
			return true
		}
	}
	return false
}

func jsonRoundTripFloat(v Value) (float64, bool) {
	f, ok := v.AsFloat()
	if !ok {
		return 0, false
	}
	doc, err := sjson.SetBytes([]byte("{}"), "v", f)
	if err != nil {
		return 0, false
	}
	return gjson.GetBytes(doc, "v").Float(), true
}

// Due returns every observation ready to fire at now: a dirty observation
// whose pmin has elapsed since its last notification, or any observation
// (dirty or not) whose pmax has elapsed.
func (ob *Observer) Due(now time.Time) []*Observation {
	var due []*Observation
	for _, o := range ob.obs {
		if o.readyToFire(now) {
			due = append(due, o)
		}
	}
	return due
}

func (o *Observation) readyToFire(now time.Time) bool {
	since := now.Sub(o.lastNotify)
	if o.dirty {
		if !o.Attrs.HasPMin || since >= time.Duration(o.Attrs.PMin)*time.Second {
			return true
		}
	}
	if o.Attrs.HasPMax && since >= time.Duration(o.Attrs.PMax)*time.Second {
		return true
	}
	return false
}

// NextDueTime reports the earliest time some observation will next be due,
// for Core.NextStepTime's sleep-budget calculation.
func (ob *Observer) NextDueTime(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, o := range ob.obs {
		var t time.Time
		if o.dirty {
			if o.Attrs.HasPMin {
				t = o.lastNotify.Add(time.Duration(o.Attrs.PMin) * time.Second)
			} else {
				t = now
			}
		} else if o.Attrs.HasPMax {
			t = o.lastNotify.Add(time.Duration(o.Attrs.PMax) * time.Second)
		} else {
			continue
		}
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

// MarkFired records that o's notification was just sent with values,
// advancing its sequence counter and resetting its dirty/baseline state.
func (ob *Observer) MarkFired(o *Observation, now time.Time, values map[Path]Value) {
	o.seq = (o.seq + 1) & observeSeqMask
	o.lastNotify = now
	o.dirty = false
	for p, v := range values {
		o.lastValues[p.String()] = v
	}
}
