package lwm2mcore

import (
	"fmt"
	"strconv"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

// Record is one decoded or to-be-encoded resource reading: the common
// currency between the registry and every content-format codec.
type Record struct {
	Path  Path
	Value Value
}

// SchemaLookup resolves the DataType a decoder should coerce a raw scalar
// into, since none of the wire formats self-describe LwM2M's richer type
// tags (ObjLnk, external string/bytes, ...).
type SchemaLookup func(Path) (DataType, bool)

// Encode serializes records under base (the request/response path the
// records are relative to) in the given content format.
func Encode(format ContentFormat, base Path, records []Record) ([]byte, error) {
	switch format {
	case FormatTLV:
		return encodeTLV(base, records)
	case FormatCBOR:
		return encodeCBORSingle(records)
	case FormatSenMLCBOR, FormatSenMLETCHCBOR:
		return encodeSenML(base, records, true)
	case FormatSenMLJSON, FormatSenMLETCHJSON:
		return encodeSenML(base, records, false)
	case FormatTextPlain:
		return encodeTextPlain(records)
	case FormatOctetStream:
		return encodeOctetStream(records)
	case FormatLwM2MCBOR:
		return encodeLwM2MCBOR(base, records)
	default:
		return nil, fmt.Errorf("lwm2mcore: unsupported content format %s for encode", format)
	}
}

// Decode parses data in the given content format into Records addressed
// relative to base, using lookup to resolve each resource's DataType.
func Decode(format ContentFormat, base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	switch format {
	case FormatTLV:
		return decodeTLV(base, data, lookup)
	case FormatCBOR:
		return decodeCBORSingle(base, data, lookup)
	case FormatSenMLCBOR, FormatSenMLETCHCBOR:
		return decodeSenML(base, data, true, lookup)
	case FormatSenMLJSON, FormatSenMLETCHJSON:
		return decodeSenML(base, data, false, lookup)
	case FormatTextPlain:
		return decodeTextPlain(base, data, lookup)
	case FormatOctetStream:
		return decodeOctetStream(base, data, lookup)
	case FormatLwM2MCBOR:
		return decodeLwM2MCBOR(base, data, lookup)
	default:
		return nil, fmt.Errorf("lwm2mcore: unsupported content format %s for decode", format)
	}
}

// encodeCBORSingle and decodeCBORSingle carry a bare CBOR-encoded scalar,
// used for single non-composite resource reads/writes under
// application/cbor, grounded on the teacher's cbor.go use of
// fxamacker/cbor for a single top-level value rather than a document tree.
func encodeCBORSingle(records []Record) ([]byte, error) {
	if len(records) != 1 {
		return nil, fmt.Errorf("lwm2mcore: application/cbor carries exactly one value, got %d", len(records))
	}
	return cbor.Marshal(valueToInterface(records[0].Value))
}

func decodeCBORSingle(base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	var raw interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("lwm2mcore: cbor decode: %w", err)
	}
	dt, ok := lookup(base)
	if !ok {
		return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", base)
	}
	v, err := interfaceToValue(normalizeCBORNumber(raw), dt)
	if err != nil {
		return nil, err
	}
	return []Record{{Path: base, Value: v}}, nil
}

// normalizeCBORNumber returns v unchanged: interfaceToValue already
// accepts the integer kinds fxamacker/cbor decodes interface{} values into
// (int64/uint64) alongside JSON's float64, so one conversion function
// serves every codec.
func normalizeCBORNumber(v interface{}) interface{} {
	return v
}

func encodeTextPlain(records []Record) ([]byte, error) {
	if len(records) != 1 {
		return nil, fmt.Errorf("lwm2mcore: text/plain carries exactly one value, got %d", len(records))
	}
	v := records[0].Value
	switch v.Type {
	case TypeInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case TypeUInt:
		return []byte(strconv.FormatUint(v.UInt, 10)), nil
	case TypeFloat:
		return []byte(strconv.FormatFloat(v.Float, 'g', -1, 64)), nil
	case TypeBool:
		return []byte(strconv.FormatBool(v.Bool)), nil
	case TypeTime:
		return []byte(strconv.FormatInt(v.Time.Unix(), 10)), nil
	case TypeString, TypeExternalString:
		return []byte(v.Str), nil
	default:
		return nil, fmt.Errorf("lwm2mcore: %v not representable as text/plain", v.Type)
	}
}

func decodeTextPlain(base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	dt, ok := lookup(base)
	if !ok {
		return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", base)
	}
	s := strings.TrimSpace(string(data))
	var v Value
	var err error
	switch dt {
	case TypeInt:
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("lwm2mcore: invalid int %q: %w", s, perr)
		}
		v = IntValue(n)
	case TypeUInt:
		n, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("lwm2mcore: invalid uint %q: %w", s, perr)
		}
		v = UIntValue(n)
	case TypeFloat:
		f, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return nil, fmt.Errorf("lwm2mcore: invalid float %q: %w", s, perr)
		}
		v = FloatValue(f)
	case TypeBool:
		b, perr := strconv.ParseBool(s)
		if perr != nil {
			return nil, fmt.Errorf("lwm2mcore: invalid bool %q: %w", s, perr)
		}
		v = BoolValue(b)
	default:
		v, err = interfaceToValue(s, dt)
		if err != nil {
			return nil, err
		}
	}
	return []Record{{Path: base, Value: v}}, nil
}

func encodeOctetStream(records []Record) ([]byte, error) {
	if len(records) != 1 {
		return nil, fmt.Errorf("lwm2mcore: application/octet-stream carries exactly one value, got %d", len(records))
	}
	v := records[0].Value
	if v.Type != TypeBytes && v.Type != TypeExternalBytes {
		return nil, fmt.Errorf("lwm2mcore: %v not representable as octet-stream", v.Type)
	}
	return v.Bytes, nil
}

func decodeOctetStream(base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	return []Record{{Path: base, Value: BytesValue(append([]byte(nil), data...))}}, nil
}
