package lwm2mcore

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidID is the sentinel marking an unset path segment.
const InvalidID uint16 = 0xFFFF

// Path is an ordered tuple of up to four unsigned 16-bit identifiers:
// (OID, IID, RID, RIID). Any suffix may be absent - Depth reports how many
// segments are actually populated. Ordering on siblings is ascending-id,
// see Less.
//
// This is deliberately a flat fixed-arity struct rather than the teacher's
// templated-URL path engine (coap_paths.go's routeRegexp/gorilla-mux
// derived machinery): an LwM2M path is never a pattern with named captures,
// it is always exactly these four numeric segments, so that machinery has
// no analogue here.
type Path struct {
	OID, IID, RID, RIID uint16
	depth               int
}

// RootPath is the empty path "/".
func RootPath() Path {
	return Path{OID: InvalidID, IID: InvalidID, RID: InvalidID, RIID: InvalidID}
}

func ObjectPath(oid uint16) Path {
	p := RootPath()
	p.OID, p.depth = oid, 1
	return p
}

func InstancePath(oid, iid uint16) Path {
	p := ObjectPath(oid)
	p.IID, p.depth = iid, 2
	return p
}

func ResourcePath(oid, iid, rid uint16) Path {
	p := InstancePath(oid, iid)
	p.RID, p.depth = rid, 3
	return p
}

func ResourceInstancePath(oid, iid, rid, riid uint16) Path {
	p := ResourcePath(oid, iid, rid)
	p.RIID, p.depth = riid, 4
	return p
}

func (p Path) Depth() int     { return p.depth }
func (p Path) IsRoot() bool   { return p.depth == 0 }
func (p Path) HasIID() bool   { return p.depth >= 2 }
func (p Path) HasRID() bool   { return p.depth >= 3 }
func (p Path) HasRIID() bool  { return p.depth >= 4 }
func (p Path) IsObject() bool { return p.depth == 1 }

// Parent returns the path one level up, and false if p is already the root.
func (p Path) Parent() (Path, bool) {
	switch p.depth {
	case 0:
		return Path{}, false
	case 1:
		return RootPath(), true
	case 2:
		return ObjectPath(p.OID), true
	case 3:
		return InstancePath(p.OID, p.IID), true
	default:
		return ResourcePath(p.OID, p.IID, p.RID), true
	}
}

// ParsePath parses a "/oid/iid/rid/riid"-shaped string. A leading slash is
// optional; a bare "" or "/" parses as the root path.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return RootPath(), nil
	}
	segs := strings.Split(s, "/")
	if len(segs) > 4 {
		return Path{}, fmt.Errorf("lwm2mcore: path %q has more than 4 segments", s)
	}
	ids := make([]uint16, 0, 4)
	for _, seg := range segs {
		n, err := strconv.ParseUint(seg, 10, 16)
		if err != nil {
			return Path{}, fmt.Errorf("lwm2mcore: invalid path segment %q in %q: %w", seg, s, err)
		}
		ids = append(ids, uint16(n))
	}
	p := RootPath()
	p.depth = len(ids)
	if len(ids) > 0 {
		p.OID = ids[0]
	}
	if len(ids) > 1 {
		p.IID = ids[1]
	}
	if len(ids) > 2 {
		p.RID = ids[2]
	}
	if len(ids) > 3 {
		p.RIID = ids[3]
	}
	return p, nil
}

// String renders the path back to "/oid/iid/rid/riid" form.
func (p Path) String() string {
	if p.depth == 0 {
		return "/"
	}
	ids := []uint16{p.OID, p.IID, p.RID, p.RIID}[:p.depth]
	segs := make([]string, len(ids))
	for i, id := range ids {
		segs[i] = strconv.Itoa(int(id))
	}
	return "/" + strings.Join(segs, "/")
}

// Less implements the ascending-id sibling ordering the data model invariant
// requires (instance ids strictly ascending, etc). Paths of different
// depths compare by their shared prefix first.
func (p Path) Less(o Path) bool {
	if p.OID != o.OID {
		return p.OID < o.OID
	}
	if p.IID != o.IID {
		return p.IID < o.IID
	}
	if p.RID != o.RID {
		return p.RID < o.RID
	}
	return p.RIID < o.RIID
}

// Equal reports whether two paths name the same node (same depth and ids).
func (p Path) Equal(o Path) bool {
	return p.depth == o.depth && p.OID == o.OID && p.IID == o.IID && p.RID == o.RID && p.RIID == o.RIID
}

// Contains reports whether p is a prefix of (or equal to) o - used to test
// whether a data_model_changed path intersects an observed path.
func (p Path) Contains(o Path) bool {
	if p.depth > o.depth {
		return false
	}
	switch p.depth {
	case 0:
		return true
	case 1:
		return p.OID == o.OID
	case 2:
		return p.OID == o.OID && p.IID == o.IID
	case 3:
		return p.OID == o.OID && p.IID == o.IID && p.RID == o.RID
	default:
		return p.Equal(o)
	}
}
