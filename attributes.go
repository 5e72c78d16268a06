package lwm2mcore

import "fmt"

// Attributes holds the OMA LwM2M notification attributes that gate and
// schedule observation notifications: pmin/pmax (time window) and
// gt/lt/st/edge (value-change triggers). Each field has a paired Has* flag
// since "unset" and "set to zero" are different states for every one of
// these.
type Attributes struct {
	HasPMin bool
	PMin    int // seconds

	HasPMax bool
	PMax    int // seconds

	HasGT bool
	GT    float64

	HasLT bool
	LT    float64

	HasST bool
	ST    float64

	HasEdge bool
	Edge    int // 0 or 1: transition edge triggering a notification for boolean/enum resources

	// HasCon/Con selects Confirmable notifications for the observation
	// (default, absent, is non-confirmable - RFC 7641 §4.5's 24-hour forced
	// fallback is handled by the observation engine, not here).
	HasCon bool
	Con    bool

	// Epmin/Epmax/Hqmax are accepted at the wire/query level for OMA
	// compatibility but do not affect scheduling - no reporting-engine
	// concept in this package corresponds to them yet.
	HasEpmin bool
	Epmin    int

	HasEpmax bool
	Epmax    int

	HasHqmax bool
	Hqmax    int
}

// Validate checks the cross-field consistency rules the OMA spec places on
// a resolved attribute set: lt < gt, lt + 2*st < gt when all three are
// present, pmin <= pmax when both are present, and st >= 0.
func (a Attributes) Validate() error {
	if a.HasPMin && a.HasPMax && a.PMin > a.PMax {
		return fmt.Errorf("lwm2mcore: pmin (%d) > pmax (%d)", a.PMin, a.PMax)
	}
	if a.HasST && a.ST < 0 {
		return fmt.Errorf("lwm2mcore: st must be non-negative, got %v", a.ST)
	}
	if a.HasGT && a.HasLT && a.LT >= a.GT {
		return fmt.Errorf("lwm2mcore: lt (%v) must be less than gt (%v)", a.LT, a.GT)
	}
	if a.HasGT && a.HasLT && a.HasST && a.LT+2*a.ST >= a.GT {
		return fmt.Errorf("lwm2mcore: lt + 2*st (%v) must be less than gt (%v)", a.LT+2*a.ST, a.GT)
	}
	return nil
}

// ResolveAttributes merges attribute sets in LwM2M's precedence order:
// attributes carried on the Observe request itself win, then attributes
// written directly at the exact observed path, then the nearest ancestor
// path's attributes, then the server object's account-wide defaults.
// Earlier (more specific) layers override later ones field-by-field, not
// wholesale.
func ResolveAttributes(layers ...Attributes) Attributes {
	var out Attributes
	for i := len(layers) - 1; i >= 0; i-- {
		l := layers[i]
		if l.HasPMin {
			out.HasPMin, out.PMin = true, l.PMin
		}
		if l.HasPMax {
			out.HasPMax, out.PMax = true, l.PMax
		}
		if l.HasGT {
			out.HasGT, out.GT = true, l.GT
		}
		if l.HasLT {
			out.HasLT, out.LT = true, l.LT
		}
		if l.HasST {
			out.HasST, out.ST = true, l.ST
		}
		if l.HasEdge {
			out.HasEdge, out.Edge = true, l.Edge
		}
		if l.HasCon {
			out.HasCon, out.Con = true, l.Con
		}
		if l.HasEpmin {
			out.HasEpmin, out.Epmin = true, l.Epmin
		}
		if l.HasEpmax {
			out.HasEpmax, out.Epmax = true, l.Epmax
		}
		if l.HasHqmax {
			out.HasHqmax, out.Hqmax = true, l.Hqmax
		}
	}
	return out
}
