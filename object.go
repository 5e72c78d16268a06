package lwm2mcore

import "sort"

// ResourceKind is the access mode of a LwM2M resource.
type ResourceKind int

const (
	KindR ResourceKind = iota
	KindW
	KindRW
	KindE
	KindRM
	KindWM
	KindRWM
)

func (k ResourceKind) Multi() bool {
	return k == KindRM || k == KindWM || k == KindRWM
}

func (k ResourceKind) Readable() bool {
	return k == KindR || k == KindRW || k == KindRM || k == KindRWM
}

func (k ResourceKind) Writable() bool {
	return k == KindW || k == KindRW || k == KindWM || k == KindRWM
}

func (k ResourceKind) Executable() bool { return k == KindE }

// WriteKind distinguishes the three ways the data model mediator accepts a
// write, per §4.4's write semantics.
type WriteKind int

const (
	WriteReplace WriteKind = iota
	WritePartialUpdate
	WriteComposite
	WriteBootstrap
)

// ResourceDef is the static schema of one resource: its id, access mode and
// data type. Schemas are fixed at object registration time and shared by
// every instance of that object.
type ResourceDef struct {
	RID  uint16
	Kind ResourceKind
	Type DataType
}

// ResourceInstance is one (riid, value) pair of a multi-instance resource.
type ResourceInstance struct {
	RIID  uint16
	Value Value
}

// Resource is the live value-holder for one resource of one instance.
// Single-instance resources store their value at RIID 0.
type Resource struct {
	Def    ResourceDef
	values map[uint16]Value
	order  []uint16 // ascending RIID, populated lazily
}

func newResource(def ResourceDef) *Resource {
	return &Resource{Def: def, values: make(map[uint16]Value)}
}

func (r *Resource) Get(riid uint16) (Value, bool) {
	v, ok := r.values[riid]
	return v, ok
}

func (r *Resource) Set(riid uint16, v Value) {
	if _, exists := r.values[riid]; !exists {
		r.order = insertSortedUint16(r.order, riid)
	}
	r.values[riid] = v
}

func (r *Resource) Delete(riid uint16) {
	if _, exists := r.values[riid]; !exists {
		return
	}
	delete(r.values, riid)
	r.order = removeSortedUint16(r.order, riid)
}

// ReplaceAll clears every existing resource instance and installs vals -
// the Write-Replace semantics of P5: "existing-but-omitted instances are
// removed".
func (r *Resource) ReplaceAll(vals map[uint16]Value) {
	r.values = make(map[uint16]Value, len(vals))
	r.order = r.order[:0]
	riids := make([]uint16, 0, len(vals))
	for riid := range vals {
		riids = append(riids, riid)
	}
	sort.Slice(riids, func(i, j int) bool { return riids[i] < riids[j] })
	for _, riid := range riids {
		r.values[riid] = vals[riid]
		r.order = append(r.order, riid)
	}
}

// Instances returns the resource's instances in ascending RIID order.
func (r *Resource) Instances() []ResourceInstance {
	out := make([]ResourceInstance, 0, len(r.order))
	for _, riid := range r.order {
		out = append(out, ResourceInstance{RIID: riid, Value: r.values[riid]})
	}
	return out
}

func (r *Resource) clone() *Resource {
	c := &Resource{Def: r.Def, values: make(map[uint16]Value, len(r.values)), order: append([]uint16(nil), r.order...)}
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

func insertSortedUint16(s []uint16, v uint16) []uint16 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSortedUint16(s []uint16, v uint16) []uint16 {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Instance is one object instance: an ordered set of Resources built from
// the owning Object's schema.
type Instance struct {
	IID       uint16
	resources map[uint16]*Resource
	order     []uint16 // ascending RID, mirrors the schema order
}

func (in *Instance) Resource(rid uint16) (*Resource, bool) {
	r, ok := in.resources[rid]
	return r, ok
}

// Resources returns the instance's resources in ascending RID order.
func (in *Instance) Resources() []*Resource {
	out := make([]*Resource, 0, len(in.order))
	for _, rid := range in.order {
		out = append(out, in.resources[rid])
	}
	return out
}

func (in *Instance) clone() *Instance {
	c := &Instance{IID: in.IID, resources: make(map[uint16]*Resource, len(in.resources)), order: append([]uint16(nil), in.order...)}
	for rid, r := range in.resources {
		c.resources[rid] = r.clone()
	}
	return c
}

// HandlerSet is the capability set a user-defined object implements. It is
// a function-pointer struct rather than an interface with many methods -
// per the design note banning class hierarchies/virtual dispatch in user
// object handlers - so an object can leave any capability nil (no Execute,
// no Validate, ...) without an adapter or embedding trick.
type HandlerSet struct {
	// Read, when set, is consulted first for every read of a readable
	// resource (e.g. a computed or external one); if it returns an error,
	// the registry falls back to the Instance's stored Value. If nil, the
	// registry serves the stored Value directly.
	Read func(path Path) (Value, error)
	// Write is called after a new Value has already been stored in the
	// mediator's own copy. Returning a non-nil error aborts the write and
	// rolls back the enclosing transaction.
	Write func(path Path, v Value, kind WriteKind) error
	// Execute services an Execute operation against an E-kind resource.
	Execute func(path Path, arg []byte) error
	// Validate runs once per transaction, after every modifying call in it
	// has succeeded, for objects wanting cross-resource consistency
	// checks. An error here rolls back the whole transaction.
	Validate func() error
	// InstanceCreated/InstanceDeleted notify the object when CREATE/DELETE
	// adds or removes one of its instances.
	InstanceCreated func(iid uint16) error
	InstanceDeleted func(iid uint16) error
}

// Object is a registered LwM2M object: a schema plus a live, ordered set of
// instances.
type Object struct {
	OID          uint16
	Version      string
	Schema       []ResourceDef // ascending by RID
	MaxInstances int           // 0 = unbounded
	Handlers     HandlerSet

	instances []*Instance // ascending by IID
}

// NewObject constructs an Object. schema must already be ascending by RID;
// NewObject does not sort it, matching the distilled spec's invariant that
// ordering is the handler set's responsibility, not the mediator's.
func NewObject(oid uint16, version string, schema []ResourceDef, maxInstances int, handlers HandlerSet) *Object {
	return &Object{OID: oid, Version: version, Schema: schema, MaxInstances: maxInstances, Handlers: handlers}
}

func (o *Object) Instances() []*Instance { return o.instances }

func (o *Object) Instance(iid uint16) (*Instance, bool) {
	for _, in := range o.instances {
		if in.IID == iid {
			return in, true
		}
	}
	return nil, false
}

func (o *Object) newInstance(iid uint16) *Instance {
	in := &Instance{IID: iid, resources: make(map[uint16]*Resource, len(o.Schema))}
	for _, def := range o.Schema {
		in.resources[def.RID] = newResource(def)
		in.order = append(in.order, def.RID)
	}
	return in
}

// AddInstance inserts a new instance at iid, keeping instances.iid strictly
// ascending and respecting MaxInstances.
func (o *Object) AddInstance(iid uint16) (*Instance, error) {
	if o.MaxInstances > 0 && len(o.instances) >= o.MaxInstances {
		return nil, errTooManyInstances
	}
	if _, exists := o.Instance(iid); exists {
		return nil, errInstanceExists
	}
	in := o.newInstance(iid)
	i := sort.Search(len(o.instances), func(i int) bool { return o.instances[i].IID >= iid })
	o.instances = append(o.instances, nil)
	copy(o.instances[i+1:], o.instances[i:])
	o.instances[i] = in
	if o.Handlers.InstanceCreated != nil {
		if err := o.Handlers.InstanceCreated(iid); err != nil {
			o.RemoveInstance(iid)
			return nil, err
		}
	}
	return in, nil
}

func (o *Object) RemoveInstance(iid uint16) bool {
	for i, in := range o.instances {
		if in.IID == iid {
			o.instances = append(o.instances[:i], o.instances[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Object) clone() *Object {
	c := &Object{OID: o.OID, Version: o.Version, Schema: o.Schema, MaxInstances: o.MaxInstances, Handlers: o.Handlers}
	c.instances = make([]*Instance, len(o.instances))
	for i, in := range o.instances {
		c.instances[i] = in.clone()
	}
	return c
}

// NextFreeInstanceID returns the lowest instance id not currently in use,
// for CREATE requests that do not preassign one.
func (o *Object) NextFreeInstanceID() uint16 {
	var want uint16
	for _, in := range o.instances {
		if in.IID != want {
			break
		}
		want++
	}
	return want
}
