package lwm2mcore

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// tlvType is the OMA TLV entry kind, carried in the top two bits of the
// entry's type byte.
type tlvType byte

const (
	tlvObjectInstance   tlvType = 0
	tlvResourceInstance tlvType = 1
	tlvMultipleResource tlvType = 2
	tlvResource         tlvType = 3
)

// encodeTLV renders records as OMA TLV. base must name an object instance
// or a single resource; the records are grouped by resource id and, for
// multi-instance resources, nested as Multiple Resource entries containing
// Resource Instance entries, per the OMA-TS-LightweightM2M TLV grammar.
func encodeTLV(base Path, records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("lwm2mcore: tlv payload must carry at least one record")
	}
	if base.HasRID() {
		// single resource: records are its riids (or the one scalar value)
		return encodeTLVResourceBody(base.RID, records)
	}
	byRID := make(map[uint16][]Record)
	var order []uint16
	for _, rec := range records {
		if _, seen := byRID[rec.Path.RID]; !seen {
			order = append(order, rec.Path.RID)
		}
		byRID[rec.Path.RID] = append(byRID[rec.Path.RID], rec)
	}
	var out []byte
	for _, rid := range order {
		entry, err := encodeTLVResourceBody(rid, byRID[rid])
		if err != nil {
			return nil, err
		}
		out = append(out, entry...)
	}
	return out, nil
}

func encodeTLVResourceBody(rid uint16, records []Record) ([]byte, error) {
	if len(records) == 1 && !records[0].Path.HasRIID() {
		val, err := encodeScalar(records[0].Value)
		if err != nil {
			return nil, err
		}
		return tlvEntry(tlvResource, rid, val), nil
	}
	var inner []byte
	for _, rec := range records {
		val, err := encodeScalar(rec.Value)
		if err != nil {
			return nil, err
		}
		inner = append(inner, tlvEntry(tlvResourceInstance, rec.Path.RIID, val)...)
	}
	return tlvEntry(tlvMultipleResource, rid, inner), nil
}

func tlvEntry(typ tlvType, id uint16, value []byte) []byte {
	header := byte(typ) << 6
	if id > 0xFF {
		header |= 1 << 5
	}
	length := len(value)
	switch {
	case length <= 7:
		header |= byte(length)
	case length <= 0xFF:
		header |= 1 << 3
	case length <= 0xFFFF:
		header |= 2 << 3
	default:
		header |= 3 << 3
	}
	out := []byte{header}
	if id > 0xFF {
		out = append(out, byte(id>>8), byte(id))
	} else {
		out = append(out, byte(id))
	}
	switch {
	case length <= 7:
	case length <= 0xFF:
		out = append(out, byte(length))
	case length <= 0xFFFF:
		out = append(out, byte(length>>8), byte(length))
	default:
		out = append(out, byte(length>>16), byte(length>>8), byte(length))
	}
	return append(out, value...)
}

type tlvRawEntry struct {
	Type  tlvType
	ID    uint16
	Value []byte
}

func readTLVEntry(data []byte) (tlvRawEntry, int, error) {
	if len(data) < 2 {
		return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv entry")
	}
	header := data[0]
	typ := tlvType(header >> 6)
	longID := header&(1<<5) != 0
	lengthType := (header >> 3) & 0x3
	pos := 1
	var id uint16
	if longID {
		if len(data) < pos+2 {
			return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv identifier")
		}
		id = binary.BigEndian.Uint16(data[pos:])
		pos += 2
	} else {
		if len(data) < pos+1 {
			return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv identifier")
		}
		id = uint16(data[pos])
		pos++
	}
	var length int
	switch lengthType {
	case 0:
		length = int(header & 0x7)
	case 1:
		if len(data) < pos+1 {
			return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv length")
		}
		length = int(data[pos])
		pos++
	case 2:
		if len(data) < pos+2 {
			return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv length")
		}
		length = int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
	default:
		if len(data) < pos+3 {
			return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv length")
		}
		length = int(data[pos])<<16 | int(data[pos+1])<<8 | int(data[pos+2])
		pos += 3
	}
	if len(data) < pos+length {
		return tlvRawEntry{}, 0, fmt.Errorf("lwm2mcore: truncated tlv value")
	}
	return tlvRawEntry{Type: typ, ID: id, Value: data[pos : pos+length]}, pos + length, nil
}

func decodeTLV(base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	var out []Record
	for len(data) > 0 {
		entry, n, err := readTLVEntry(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]
		switch entry.Type {
		case tlvObjectInstance:
			sub, err := decodeTLV(InstancePath(base.OID, entry.ID), entry.Value, lookup)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case tlvResource:
			p := resourcePathUnder(base, entry.ID)
			dt, ok := lookup(p)
			if !ok {
				return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", p)
			}
			v, err := decodeScalar(entry.Value, dt)
			if err != nil {
				return nil, fmt.Errorf("lwm2mcore: %s: %w", p, err)
			}
			out = append(out, Record{Path: p, Value: v})
		case tlvMultipleResource:
			rp := resourcePathUnder(base, entry.ID)
			inner := entry.Value
			for len(inner) > 0 {
				ri, n2, err := readTLVEntry(inner)
				if err != nil {
					return nil, err
				}
				inner = inner[n2:]
				p := ResourceInstancePath(rp.OID, rp.IID, rp.RID, ri.ID)
				dt, ok := lookup(p)
				if !ok {
					return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", p)
				}
				v, err := decodeScalar(ri.Value, dt)
				if err != nil {
					return nil, fmt.Errorf("lwm2mcore: %s: %w", p, err)
				}
				out = append(out, Record{Path: p, Value: v})
			}
		case tlvResourceInstance:
			p := ResourceInstancePath(base.OID, base.IID, base.RID, entry.ID)
			dt, ok := lookup(p)
			if !ok {
				return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", p)
			}
			v, err := decodeScalar(entry.Value, dt)
			if err != nil {
				return nil, fmt.Errorf("lwm2mcore: %s: %w", p, err)
			}
			out = append(out, Record{Path: p, Value: v})
		}
	}
	return out, nil
}

func resourcePathUnder(base Path, rid uint16) Path {
	if base.HasRID() {
		return base
	}
	return ResourcePath(base.OID, base.IID, rid)
}

// encodeScalar renders one Value as TLV/binary big-endian content per the
// OMA TLV scalar encoding rules: minimal-width big-endian ints, IEEE-754
// 4/8-byte floats, single-byte bools, raw UTF-8/bytes for string/opaque,
// and a 4-byte ObjLnk.
func encodeScalar(v Value) ([]byte, error) {
	switch v.Type {
	case TypeInt:
		return minimalBigEndian(v.Int), nil
	case TypeUInt:
		return minimalBigEndian(int64(v.UInt)), nil
	case TypeFloat:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Float))
		return buf, nil
	case TypeBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeString, TypeExternalString:
		return []byte(v.Str), nil
	case TypeBytes, TypeExternalBytes:
		return v.Bytes, nil
	case TypeTime:
		return minimalBigEndian(v.Time.Unix()), nil
	case TypeObjLnk:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:], v.Link.ObjectID)
		binary.BigEndian.PutUint16(buf[2:], v.Link.InstanceID)
		return buf, nil
	default:
		return nil, fmt.Errorf("lwm2mcore: %v not representable in tlv", v.Type)
	}
}

func decodeScalar(b []byte, dt DataType) (Value, error) {
	switch dt {
	case TypeInt:
		return IntValue(signExtend(b)), nil
	case TypeUInt:
		return UIntValue(uint64(signExtend(b))), nil
	case TypeFloat:
		switch len(b) {
		case 4:
			return FloatValue(float64(math.Float32frombits(binary.BigEndian.Uint32(b)))), nil
		case 8:
			return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
		default:
			return Value{}, fmt.Errorf("lwm2mcore: invalid float width %d", len(b))
		}
	case TypeBool:
		if len(b) != 1 {
			return Value{}, fmt.Errorf("lwm2mcore: invalid bool width %d", len(b))
		}
		return BoolValue(b[0] != 0), nil
	case TypeString, TypeExternalString:
		return StringValue(string(b)), nil
	case TypeBytes, TypeExternalBytes:
		return BytesValue(append([]byte(nil), b...)), nil
	case TypeTime:
		return TimeValue(unixTime(signExtend(b))), nil
	case TypeObjLnk:
		if len(b) != 4 {
			return Value{}, fmt.Errorf("lwm2mcore: invalid objlnk width %d", len(b))
		}
		return ObjLnkValue(ObjLnk{ObjectID: binary.BigEndian.Uint16(b[0:]), InstanceID: binary.BigEndian.Uint16(b[2:])}), nil
	default:
		return Value{}, fmt.Errorf("lwm2mcore: unsupported tlv decode type %v", dt)
	}
}

func unixTime(n int64) time.Time {
	return time.Unix(n, 0).UTC()
}

func minimalBigEndian(n int64) []byte {
	switch {
	case n >= -128 && n <= 127:
		return []byte{byte(n)}
	case n >= -32768 && n <= 32767:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(n))
		return buf
	case n >= -2147483648 && n <= 2147483647:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		return buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return buf
	}
}

func signExtend(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b)))
	case 8:
		return int64(binary.BigEndian.Uint64(b))
	default:
		var n int64
		for _, c := range b {
			n = n<<8 | int64(c)
		}
		return n
	}
}
