package lwm2mcore

import (
	"strconv"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// buildBootstrapRequest is the client-initiated Bootstrap-Request, sent to
// "/bs?ep=<endpoint>" per the OMA bootstrap interface.
func (c *Core) buildBootstrapRequest() *Message {
	return &Message{
		Type:  MsgCON,
		Code:  codes.POST,
		URI:   "bs",
		Query: map[string]string{"ep": c.session.account.EndpointName},
	}
}

// buildRegisterRequest is the Register operation: a POST to "/rd" carrying
// every registered object and instance as an application/link-format
// document, per §4.2.
func (c *Core) buildRegisterRequest() *Message {
	paths, attrs := c.registrationLinks()
	return &Message{
		Type:   MsgCON,
		Code:   codes.POST,
		URI:    "rd",
		Format: FormatLinkFormat,
		Query: map[string]string{
			"ep": c.session.account.EndpointName,
			"lt": strconv.Itoa(c.session.account.Lifetime),
			"b":  c.session.account.Binding,
		},
		Payload: EncodeLinks(paths, attrs),
	}
}

// buildUpdateRequest refreshes the registration at "/rd/<location>". The
// object list is resent on every Update, since the mediator has no cheap
// way to know whether any object was (un)registered since the last one.
func (c *Core) buildUpdateRequest() *Message {
	paths, attrs := c.registrationLinks()
	return &Message{
		Type:    MsgCON,
		Code:    codes.POST,
		URI:     "rd/" + c.session.RegistrationID(),
		Format:  FormatLinkFormat,
		Payload: EncodeLinks(paths, attrs),
	}
}

func (c *Core) buildDeregisterRequest() *Message {
	return &Message{
		Type: MsgCON,
		Code: codes.DELETE,
		URI:  "rd/" + c.session.RegistrationID(),
	}
}

func (c *Core) registrationLinks() ([]Path, map[Path]LinkAttributes) {
	var paths []Path
	attrs := make(map[Path]LinkAttributes)
	for _, obj := range c.registry.Objects() {
		op := ObjectPath(obj.OID)
		paths = append(paths, op)
		attrs[op] = LinkAttributes{Version: obj.Version}
		for _, in := range obj.Instances() {
			paths = append(paths, InstancePath(obj.OID, in.IID))
		}
	}
	return paths, attrs
}

// handleServerRequest dispatches an inbound server-originated request
// (GET/PUT/POST/DELETE, with or without the Observe option) to the data
// model mediator and sends back a response once. The response is stored in
// the response cache and the exchange is closed; a retransmitted duplicate
// of the request is answered from that cache.
func (c *Core) handleServerRequest(req *Message, now time.Time) {
	ec, cached, hit := c.exchanges.OpenServerRequest(req)
	if hit != CacheMiss {
		c.sendCached(req, cached, now)
		return
	}

	if req.Block1 != nil {
		if !c.exchanges.ReassembleServerBlock1(ec, req) {
			c.ackBlock1Continue(req)
			return
		}
		req.Payload = ec.block.full
		ec.block = nil
	}

	resp := c.dispatchServerRequest(req, now)
	c.exchanges.PrepareBlockResponse(req.Token, req.Block2, resp)
	resp.Type = ackType(req.Type)
	resp.MsgID = req.MsgID
	resp.Token = req.Token

	buf, err := EncodeMessage(resp)
	if err != nil {
		logf(c.logger, "lwm2mcore: encoding response: %v", err)
		c.exchanges.Close(ec)
		return
	}
	c.transport.Send(buf)
	c.cache.Store(&ResponseCacheEntry{Token: req.Token, MsgID: req.MsgID, Payload: resp.Payload, Format: resp.Format, Code: uint8(resp.Code)}, now, 0)
	c.exchanges.Close(ec)
}

// ackBlock1Continue answers one non-final BLOCK1 chunk with 2.31 Continue,
// echoing the block just received, and leaves the exchange open so the
// next chunk (same token) finds it again via OpenServerRequest.
func (c *Core) ackBlock1Continue(req *Message) {
	resp := &Message{
		Code:   codes.Continue,
		Type:   ackType(req.Type),
		MsgID:  req.MsgID,
		Token:  req.Token,
		Block1: req.Block1,
	}
	buf, err := EncodeMessage(resp)
	if err != nil {
		logf(c.logger, "lwm2mcore: encoding block1 continue: %v", err)
		return
	}
	c.transport.Send(buf)
}

func ackType(reqType MsgType) MsgType {
	if reqType == MsgCON {
		return MsgACK
	}
	return MsgNON
}

func (c *Core) sendCached(req *Message, entry *ResponseCacheEntry, now time.Time) {
	resp := &Message{
		Type:    ackType(req.Type),
		Code:    codes.Code(entry.Code),
		MsgID:   req.MsgID,
		Token:   req.Token,
		Format:  entry.Format,
		Payload: entry.Payload,
	}
	buf, err := EncodeMessage(resp)
	if err != nil {
		logf(c.logger, "lwm2mcore: re-encoding cached response: %v", err)
		return
	}
	c.transport.Send(buf)
}

func (c *Core) dispatchServerRequest(req *Message, now time.Time) *Message {
	lookup := c.schemaLookup()
	switch req.Code {
	case codes.GET:
		if req.Observe != nil {
			return c.handleObserveRequest(req, lookup, now)
		}
		return c.handleRead(req, lookup)
	case codes.PUT:
		if attrs, ok := parseAttributeQuery(req.Query); ok && len(req.Payload) == 0 {
			return c.handleWriteAttributes(req, attrs)
		}
		return c.handleWrite(req, lookup)
	case codes.POST:
		return c.handlePostOrExecute(req, lookup, now)
	case codes.DELETE:
		return c.handleDelete(req)
	default:
		return &Message{Code: codes.MethodNotAllowed}
	}
}

func (c *Core) schemaLookup() SchemaLookup {
	return func(p Path) (DataType, bool) {
		obj, ok := c.registry.Object(p.OID)
		if !ok {
			return TypeNone, false
		}
		inst, ok := obj.Instance(p.IID)
		if !ok {
			return TypeNone, false
		}
		res, ok := inst.Resource(p.RID)
		if !ok {
			return TypeNone, false
		}
		return res.Def.Type, true
	}
}

func (c *Core) handleRead(req *Message, lookup SchemaLookup) *Message {
	format := req.Accept
	if format == 0 {
		format = FormatSenMLCBOR
	}
	records, err := c.readSubtree(req.Path)
	if err != nil {
		return errorResponse(codes.NotFound, err)
	}
	payload, err := Encode(format, req.Path, records)
	if err != nil {
		return errorResponse(codes.NotAcceptable, err)
	}
	return &Message{Code: codes.Content, Format: format, Payload: payload}
}

func (c *Core) readSubtree(base Path) ([]Record, error) {
	switch base.Depth() {
	case 3, 4:
		v, err := c.registry.Read(base)
		if err != nil {
			return nil, err
		}
		return []Record{{Path: base, Value: v}}, nil
	default:
		paths, err := c.registry.Discover(base)
		if err != nil {
			return nil, err
		}
		var out []Record
		for _, p := range paths {
			sub, err := c.readSubtree(p)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	}
}

func (c *Core) handleWrite(req *Message, lookup SchemaLookup) *Message {
	records, err := Decode(req.Format, req.Path, req.Payload, lookup)
	if err != nil {
		return errorResponse(codes.BadRequest, err)
	}
	kind := WriteReplace
	for _, rec := range records {
		if err := c.registry.Write(rec.Path, rec.Value, kind); err != nil {
			return errorResponse(codes.BadRequest, err)
		}
	}
	return &Message{Code: codes.Changed}
}

// serverObjectOID is the LwM2M Server object (OID 1), whose Disable (RID 4)
// and Bootstrap-Request Trigger (RID 9) Execute resources drive the
// registration session engine's S5 suspend/resume and Bootstrapping
// transitions (§4.2) rather than the plain data model mediator.
const serverObjectOID = 1

const (
	serverRIDDisable           = 4
	serverRIDBootstrapTrigger  = 9
)

func (c *Core) handlePostOrExecute(req *Message, lookup SchemaLookup, now time.Time) *Message {
	if req.Path.HasRID() && req.Path.OID == serverObjectOID && req.Path.RID == serverRIDDisable {
		if _, err := c.session.Disable(now, 0); err != nil {
			return errorResponse(codes.BadRequest, err)
		}
		c.startExchange(c.buildDeregisterRequest())
		return &Message{Code: codes.Changed}
	}
	if req.Path.HasRID() && req.Path.OID == serverObjectOID && req.Path.RID == serverRIDBootstrapTrigger {
		if _, err := c.session.TriggerBootstrap(now); err != nil {
			return errorResponse(codes.BadRequest, err)
		}
		c.startExchange(c.buildBootstrapRequest())
		return &Message{Code: codes.Changed}
	}
	if req.Path.HasRID() {
		if err := c.registry.Execute(req.Path, req.Payload); err != nil {
			return errorResponse(codes.BadRequest, err)
		}
		return &Message{Code: codes.Changed}
	}
	if req.Path.HasIID() {
		records, err := Decode(req.Format, req.Path, req.Payload, lookup)
		if err != nil {
			return errorResponse(codes.BadRequest, err)
		}
		for _, rec := range records {
			if err := c.registry.Write(rec.Path, rec.Value, WritePartialUpdate); err != nil {
				return errorResponse(codes.BadRequest, err)
			}
		}
		return &Message{Code: codes.Changed}
	}
	inst, err := c.registry.Create(req.Path.OID, InvalidID, nil)
	if err != nil {
		return errorResponse(codes.BadRequest, err)
	}
	return &Message{Code: codes.Created, URI: strconv.Itoa(int(inst.IID))}
}

func (c *Core) handleDelete(req *Message) *Message {
	if err := c.registry.Delete(req.Path); err != nil {
		return errorResponse(codes.NotFound, err)
	}
	c.observer.CancelByPath(req.Path)
	return &Message{Code: codes.Deleted}
}

func (c *Core) handleObserveRequest(req *Message, lookup SchemaLookup, now time.Time) *Message {
	if *req.Observe == 1 {
		c.observer.Cancel(req.Token)
		return c.handleRead(req, lookup)
	}
	records, err := c.readSubtree(req.Path)
	if err != nil {
		return errorResponse(codes.NotFound, err)
	}
	initial := make(map[Path]Value, len(records))
	for _, r := range records {
		initial[r.Path] = r.Value
	}
	attrs := c.resolveObserveAttributes(req, pathsOf(records))
	obs, err := c.observer.Create(req.Token, pathsOf(records), attrs, initial)
	if err != nil {
		return errorResponse(codes.InternalServerError, err)
	}
	format := req.Accept
	if format == 0 {
		format = FormatSenMLCBOR
	}
	payload, err := Encode(format, req.Path, records)
	if err != nil {
		return errorResponse(codes.NotAcceptable, err)
	}
	seq := obs.Seq()
	return &Message{Code: codes.Content, Format: format, Payload: payload, Observe: &seq}
}

// resolveObserveAttributes walks the §4.3 precedence chain - attributes
// carried on the Observe request itself, then whatever was written at the
// exact path or inherited from its nearest ancestor, then the account-wide
// defaults - and then applies the composite rule: if con is true at ANY
// observed path, the whole (possibly multi-path) observation notifies
// Confirmable.
func (c *Core) resolveObserveAttributes(req *Message, paths []Path) Attributes {
	requestAttrs, _ := parseAttributeQuery(req.Query)
	accountDefaults := Attributes{
		HasPMin: true, PMin: c.session.account.DefaultPmin,
		HasPMax: true, PMax: c.session.account.DefaultPmax,
		HasCon: true, Con: c.session.account.DefaultCon,
	}
	attrs := ResolveAttributes(requestAttrs, c.attrStore.Lookup(req.Path), c.defaultAttrs, accountDefaults)
	for _, p := range paths {
		if a := c.attrStore.Lookup(p); a.HasCon && a.Con {
			attrs.HasCon, attrs.Con = true, true
		}
	}
	if requestAttrs.HasCon && requestAttrs.Con {
		attrs.HasCon, attrs.Con = true, true
	}
	return attrs
}

// parseAttributeQuery extracts the OMA notification attributes carried as
// CoAP URI-query parameters on an Observe or Write-Attributes request. The
// second return reports whether any recognized attribute was present.
func parseAttributeQuery(q map[string]string) (Attributes, bool) {
	var a Attributes
	found := false
	if v, ok := q["pmin"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasPMin, a.PMin, found = true, n, true
		}
	}
	if v, ok := q["pmax"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasPMax, a.PMax, found = true, n, true
		}
	}
	if v, ok := q["gt"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.HasGT, a.GT, found = true, f, true
		}
	}
	if v, ok := q["lt"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.HasLT, a.LT, found = true, f, true
		}
	}
	if v, ok := q["st"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			a.HasST, a.ST, found = true, f, true
		}
	}
	if v, ok := q["edge"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasEdge, a.Edge, found = true, n, true
		}
	}
	if v, ok := q["con"]; ok {
		a.HasCon, a.Con, found = true, v != "0", true
	}
	if v, ok := q["epmin"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasEpmin, a.Epmin, found = true, n, true
		}
	}
	if v, ok := q["epmax"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasEpmax, a.Epmax, found = true, n, true
		}
	}
	if v, ok := q["hqmax"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.HasHqmax, a.Hqmax, found = true, n, true
		}
	}
	return a, found
}

// handleWriteAttributes implements the Write-Attributes operation: a PUT
// naming only recognized attribute query parameters and no payload, which
// merges into whatever is already stored at the exact path rather than
// replacing it wholesale.
func (c *Core) handleWriteAttributes(req *Message, attrs Attributes) *Message {
	merged := attrs
	if existing, ok := c.attrStore.At(req.Path); ok {
		merged = ResolveAttributes(attrs, existing)
	}
	if err := merged.Validate(); err != nil {
		return errorResponse(codes.BadRequest, err)
	}
	c.attrStore.Write(req.Path, merged)
	return &Message{Code: codes.Changed}
}

func pathsOf(records []Record) []Path {
	out := make([]Path, len(records))
	for i, r := range records {
		out[i] = r.Path
	}
	return out
}

// notifyForcedConfirmableWindow is RFC 7641 §4.5's fallback: a notification
// is forced Confirmable if no Confirmable notification for the observation
// has gone out in this long, regardless of the con attribute.
const notifyForcedConfirmableWindow = 24 * time.Hour

// sendNotify builds and sends one Observe notification for obs, re-reading
// every observed path as an atomic composite snapshot (P consistency
// requirement for composite observations). The notification is
// Non-confirmable by default, Confirmable when obs.Confirmable is set, and
// forced Confirmable regardless when notifyForcedConfirmableWindow has
// elapsed since the last Confirmable one went out (§4.5). A payload too
// large for one datagram is fragmented into a single-shot BLOCK2 opener
// rather than routed through Exchanges.PrepareBlockResponse, since an
// observe token is never looked up again the way a request token is.
func (c *Core) sendNotify(obs *Observation, now time.Time) {
	values, err := c.registry.ReadComposite(obs.Paths)
	if err != nil {
		logf(c.logger, "lwm2mcore: notify read failed, cancelling observation: %v", err)
		c.observer.Cancel(obs.Token)
		return
	}
	records := make([]Record, 0, len(values))
	for p, v := range values {
		records = append(records, Record{Path: p, Value: v})
	}
	format := FormatSenMLCBOR
	base := obs.Paths[0]
	if len(obs.Paths) > 1 {
		base = commonAncestor(obs.Paths)
	}
	payload, err := Encode(format, base, records)
	if err != nil {
		logf(c.logger, "lwm2mcore: notify encode failed: %v", err)
		return
	}
	c.observer.MarkFired(obs, now, values)
	seq := obs.Seq()
	msgType := MsgNON
	confirmable := obs.Confirmable || now.Sub(obs.lastConfirmableAt) >= notifyForcedConfirmableWindow
	if confirmable {
		msgType = MsgCON
		obs.lastConfirmableAt = now
	}
	msg := &Message{
		Type:    msgType,
		Code:    codes.Content,
		Token:   obs.Token,
		Format:  format,
		Payload: payload,
		Observe: &seq,
	}
	if len(payload) > maxBlockSize {
		size := floorPow2LE(len(payload))
		chunk, more := blockChunk(payload, 0, size)
		msg.Payload = chunk
		msg.Block2 = &BlockOption{Num: 0, More: more, SizeExp: blockSizeExp(size)}
	}
	c.startNotifyExchange(msg)
}

func commonAncestor(paths []Path) Path {
	anc := paths[0]
	for _, p := range paths[1:] {
		for !anc.Contains(p) && anc.Depth() > 0 {
			anc, _ = anc.Parent()
		}
	}
	return anc
}

func errorResponse(code codes.Code, err error) *Message {
	return &Message{Code: code, Format: FormatTextPlain, Payload: []byte(err.Error())}
}
