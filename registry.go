package lwm2mcore

import (
	"fmt"
	"sort"
)

// ChangeKind classifies a data-model mutation reported to the observation
// engine via NotifyFunc.
type ChangeKind int

const (
	ChangeValueUpdated ChangeKind = iota
	ChangeInstanceCreated
	ChangeInstanceDeleted
)

// ChangeEvent is one data-model mutation, queued during a transaction and
// flushed to the registered NotifyFunc only if the transaction commits.
type ChangeEvent struct {
	Path Path
	Kind ChangeKind
}

// NotifyFunc is called once per committed ChangeEvent, in the order the
// mutations happened. The observation engine registers one of these via
// Registry.SetNotifyFunc to decide which observations need a notification.
type NotifyFunc func(ChangeEvent)

// Registry is the data model mediator: the registered set of Objects, plus
// transactional write/validate/rollback across them. Read/write/execute
// dispatch here mirrors the teacher's coap_http.go CoAPToHTTPRequest style
// of routing an incoming operation to the right handler by path shape.
type Registry struct {
	objects map[uint16]*Object
	order   []uint16

	txn     map[uint16]*Object // oid -> pre-transaction clone; nil outside a transaction
	changes []ChangeEvent

	notify NotifyFunc
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[uint16]*Object)}
}

func (r *Registry) SetNotifyFunc(fn NotifyFunc) { r.notify = fn }

// Register adds obj to the registry. Returns an error if its OID is already
// registered.
func (r *Registry) Register(obj *Object) error {
	if _, exists := r.objects[obj.OID]; exists {
		return fmt.Errorf("lwm2mcore: object %d already registered", obj.OID)
	}
	r.objects[obj.OID] = obj
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= obj.OID })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = obj.OID
	return nil
}

func (r *Registry) Unregister(oid uint16) bool {
	if _, exists := r.objects[oid]; !exists {
		return false
	}
	delete(r.objects, oid)
	for i, o := range r.order {
		if o == oid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Object(oid uint16) (*Object, bool) {
	o, ok := r.objects[oid]
	return o, ok
}

// Objects returns every registered object in ascending OID order.
func (r *Registry) Objects() []*Object {
	out := make([]*Object, 0, len(r.order))
	for _, oid := range r.order {
		out = append(out, r.objects[oid])
	}
	return out
}

// Begin opens an explicit transaction spanning possibly several Write/
// Execute/Create/Delete calls, committed or rolled back together by one End
// call. Most single-path operations use the implicit per-call transaction
// instead (see withTxn).
func (r *Registry) Begin() error {
	if r.txn != nil {
		return errTransactionActive
	}
	r.txn = make(map[uint16]*Object)
	r.changes = nil
	return nil
}

// End closes the current transaction. If commit is true, every touched
// object's Handlers.Validate is run (in ascending OID order); a failure
// there forces a rollback instead and returns the validation error.
// Otherwise every touched object is restored to its pre-transaction clone.
func (r *Registry) End(commit bool) error {
	if r.txn == nil {
		return fmt.Errorf("lwm2mcore: End called without an active transaction")
	}
	if commit {
		if err := r.runValidators(); err != nil {
			r.rollback()
			r.txn = nil
			r.changes = nil
			return err
		}
		for _, ev := range r.changes {
			if r.notify != nil {
				r.notify(ev)
			}
		}
	} else {
		r.rollback()
	}
	r.txn = nil
	r.changes = nil
	return nil
}

func (r *Registry) runValidators() error {
	oids := make([]uint16, 0, len(r.txn))
	for oid := range r.txn {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	for _, oid := range oids {
		obj, ok := r.objects[oid]
		if !ok || obj.Handlers.Validate == nil {
			continue
		}
		if err := obj.Handlers.Validate(); err != nil {
			return fmt.Errorf("lwm2mcore: object %d validation failed: %w", oid, err)
		}
	}
	return nil
}

func (r *Registry) rollback() {
	for oid, snap := range r.txn {
		if live, ok := r.objects[oid]; ok {
			*live = *snap
		} else {
			r.objects[oid] = snap
		}
	}
}

// snapshot records oid's current state as the rollback baseline the first
// time it is touched in the active transaction, and returns the live
// object callers should mutate.
func (r *Registry) snapshot(oid uint16) (*Object, error) {
	obj, ok := r.objects[oid]
	if !ok {
		return nil, fmt.Errorf("lwm2mcore: object %d: %w", oid, errObjectNotFound)
	}
	if r.txn != nil {
		if _, touched := r.txn[oid]; !touched {
			r.txn[oid] = obj.clone()
		}
	}
	return obj, nil
}

func (r *Registry) queueChange(ev ChangeEvent) {
	if r.txn != nil {
		r.changes = append(r.changes, ev)
	}
}

// withTxn runs fn inside a transaction, opening and closing an implicit one
// if the caller has not already opened an explicit one with Begin.
func (r *Registry) withTxn(fn func() error) error {
	implicit := r.txn == nil
	if implicit {
		if err := r.Begin(); err != nil {
			return err
		}
	}
	err := fn()
	if implicit {
		if endErr := r.End(err == nil); endErr != nil && err == nil {
			err = endErr
		}
	}
	return err
}

func (r *Registry) lookup(path Path) (*Object, *Instance, *Resource, error) {
	obj, ok := r.objects[path.OID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("lwm2mcore: %s: %w", path, errObjectNotFound)
	}
	if !path.HasIID() {
		return obj, nil, nil, nil
	}
	inst, ok := obj.Instance(path.IID)
	if !ok {
		return obj, nil, nil, fmt.Errorf("lwm2mcore: %s: %w", path, errInstanceNotFound)
	}
	if !path.HasRID() {
		return obj, inst, nil, nil
	}
	res, ok := inst.Resource(path.RID)
	if !ok {
		return obj, inst, nil, fmt.Errorf("lwm2mcore: %s: %w", path, errResourceNotFound)
	}
	return obj, inst, res, nil
}

// Read returns the value at a fully qualified resource or resource-instance
// path.
func (r *Registry) Read(path Path) (Value, error) {
	obj, _, res, err := r.lookup(path)
	if err != nil {
		return Value{}, err
	}
	if !res.Def.Kind.Readable() {
		return Value{}, fmt.Errorf("lwm2mcore: %s: %w", path, errNotReadable)
	}
	if obj.Handlers.Read != nil {
		if v, herr := obj.Handlers.Read(path); herr == nil {
			return v, nil
		}
	}
	riid := path.RIID
	if !path.HasRIID() {
		riid = 0
	}
	v, ok := res.Get(riid)
	if !ok {
		return Value{}, fmt.Errorf("lwm2mcore: %s: %w", path, errResourceNotFound)
	}
	return v, nil
}

// ReadComposite reads several paths as one atomic snapshot - no write can be
// interleaved, since the registry never runs engine callbacks concurrently
// with itself (see §5).
func (r *Registry) ReadComposite(paths []Path) (map[Path]Value, error) {
	out := make(map[Path]Value, len(paths))
	for _, p := range paths {
		v, err := r.Read(p)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

// Write sets a single resource-instance value. kind distinguishes a plain
// overwrite (WritePartialUpdate keeps sibling riids; WriteReplace on a
// multi-instance resource still only touches the addressed riid here - use
// WriteInstance for whole-resource replace semantics).
func (r *Registry) Write(path Path, v Value, kind WriteKind) error {
	return r.withTxn(func() error {
		obj, err := r.snapshot(path.OID)
		if err != nil {
			return err
		}
		inst, ok := obj.Instance(path.IID)
		if !ok {
			return fmt.Errorf("lwm2mcore: %s: %w", path, errInstanceNotFound)
		}
		res, ok := inst.Resource(path.RID)
		if !ok {
			return fmt.Errorf("lwm2mcore: %s: %w", path, errResourceNotFound)
		}
		if !res.Def.Kind.Writable() {
			return fmt.Errorf("lwm2mcore: %s: %w", path, errNotWritable)
		}
		riid := path.RIID
		if !path.HasRIID() {
			if res.Def.Kind.Multi() {
				return fmt.Errorf("lwm2mcore: %s: %w", path, errIsMultiInstance)
			}
			riid = 0
		}
		prev, existed := res.Get(riid)
		if existed && prev.Equal(v) {
			return nil
		}
		res.Set(riid, v)
		if obj.Handlers.Write != nil {
			if err := obj.Handlers.Write(path, v, kind); err != nil {
				return fmt.Errorf("lwm2mcore: %s: write rejected: %w", path, err)
			}
		}
		r.queueChange(ChangeEvent{Path: path, Kind: ChangeValueUpdated})
		return nil
	})
}

// WriteInstance replaces (kind==WriteReplace) or merges (kind==
// WritePartialUpdate) every resource of one instance from a flat
// rid -> (riid -> Value) payload, implementing P5's write-replace-removes-
// omitted-instances semantics.
func (r *Registry) WriteInstance(path Path, values map[uint16]map[uint16]Value, kind WriteKind) error {
	if !path.HasIID() || path.HasRID() {
		return fmt.Errorf("lwm2mcore: WriteInstance requires an instance path, got %s", path)
	}
	return r.withTxn(func() error {
		obj, err := r.snapshot(path.OID)
		if err != nil {
			return err
		}
		inst, ok := obj.Instance(path.IID)
		if !ok {
			return fmt.Errorf("lwm2mcore: %s: %w", path, errInstanceNotFound)
		}
		for rid, riids := range values {
			res, ok := inst.Resource(rid)
			if !ok {
				return fmt.Errorf("lwm2mcore: %s/%d: %w", path, rid, errResourceNotFound)
			}
			if !res.Def.Kind.Writable() {
				return fmt.Errorf("lwm2mcore: %s/%d: %w", path, rid, errNotWritable)
			}
			if kind == WriteReplace {
				res.ReplaceAll(riids)
			} else {
				for riid, v := range riids {
					res.Set(riid, v)
				}
			}
			rp := ResourcePath(path.OID, path.IID, rid)
			if obj.Handlers.Write != nil {
				for riid, v := range riids {
					if err := obj.Handlers.Write(ResourceInstancePath(path.OID, path.IID, rid, riid), v, kind); err != nil {
						return fmt.Errorf("lwm2mcore: %s: write rejected: %w", rp, err)
					}
				}
			}
			r.queueChange(ChangeEvent{Path: rp, Kind: ChangeValueUpdated})
		}
		return nil
	})
}

// Execute invokes an E-kind resource's Execute handler.
func (r *Registry) Execute(path Path, arg []byte) error {
	obj, _, res, err := r.lookup(path)
	if err != nil {
		return err
	}
	if !res.Def.Kind.Executable() {
		return fmt.Errorf("lwm2mcore: %s: %w", path, errNotExecutable)
	}
	if obj.Handlers.Execute == nil {
		return fmt.Errorf("lwm2mcore: %s: object has no Execute handler", path)
	}
	return obj.Handlers.Execute(path, arg)
}

// Create adds a new instance to an object, optionally seeding its resources
// from values. iid may be InvalidID to request the lowest free id.
func (r *Registry) Create(oid uint16, iid uint16, values map[uint16]map[uint16]Value) (*Instance, error) {
	var created *Instance
	err := r.withTxn(func() error {
		obj, err := r.snapshot(oid)
		if err != nil {
			return err
		}
		if iid == InvalidID {
			iid = obj.NextFreeInstanceID()
		}
		inst, err := obj.AddInstance(iid)
		if err != nil {
			return err
		}
		for rid, riids := range values {
			res, ok := inst.Resource(rid)
			if !ok {
				return fmt.Errorf("lwm2mcore: create %d/%d: %w", oid, rid, errResourceNotFound)
			}
			res.ReplaceAll(riids)
		}
		created = inst
		r.queueChange(ChangeEvent{Path: InstancePath(oid, iid), Kind: ChangeInstanceCreated})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Delete removes an instance.
func (r *Registry) Delete(path Path) error {
	if !path.HasIID() || path.HasRID() {
		return fmt.Errorf("lwm2mcore: Delete requires an instance path, got %s", path)
	}
	return r.withTxn(func() error {
		obj, err := r.snapshot(path.OID)
		if err != nil {
			return err
		}
		if !obj.RemoveInstance(path.IID) {
			return fmt.Errorf("lwm2mcore: %s: %w", path, errInstanceNotFound)
		}
		if obj.Handlers.InstanceDeleted != nil {
			if err := obj.Handlers.InstanceDeleted(path.IID); err != nil {
				return err
			}
		}
		r.queueChange(ChangeEvent{Path: path, Kind: ChangeInstanceDeleted})
		return nil
	})
}

// Discover lists the immediate child paths of path: objects under the
// root, instances under an object, resources under an instance. Link-
// format rendering of the result lives in linkformat.go.
func (r *Registry) Discover(path Path) ([]Path, error) {
	switch path.Depth() {
	case 0:
		out := make([]Path, 0, len(r.order))
		for _, oid := range r.order {
			out = append(out, ObjectPath(oid))
		}
		return out, nil
	case 1:
		obj, ok := r.objects[path.OID]
		if !ok {
			return nil, fmt.Errorf("lwm2mcore: %s: %w", path, errObjectNotFound)
		}
		out := make([]Path, 0, len(obj.Instances()))
		for _, in := range obj.Instances() {
			out = append(out, InstancePath(path.OID, in.IID))
		}
		return out, nil
	case 2:
		obj, inst, _, err := r.lookup(path)
		if err != nil {
			return nil, err
		}
		_ = obj
		out := make([]Path, 0, len(inst.Resources()))
		for _, res := range inst.Resources() {
			out = append(out, ResourcePath(path.OID, path.IID, res.Def.RID))
		}
		return out, nil
	default:
		_, _, res, err := r.lookup(path)
		if err != nil {
			return nil, err
		}
		if !res.Def.Kind.Multi() {
			return nil, fmt.Errorf("lwm2mcore: %s: %w", path, errNotMultiInstance)
		}
		out := make([]Path, 0)
		for _, ri := range res.Instances() {
			out = append(out, ResourceInstancePath(path.OID, path.IID, path.RID, ri.RIID))
		}
		return out, nil
	}
}
