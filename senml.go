package lwm2mcore

import (
	"encoding/base64"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// senmlRecord is one SenML record (RFC 8428). Field names mirror the SenML
// label letters; CBOR uses the registry's small integer labels via the
// fxamacker/cbor keyasint tag option, JSON uses the letter labels directly -
// the same struct serves both wire formats, which is the point of carrying
// both json-iterator and fxamacker/cbor in the DOMAIN STACK.
type senmlRecord struct {
	BaseName  string   `json:"bn,omitempty" cbor:"-2,keyasint,omitempty"`
	Name      string   `json:"n,omitempty" cbor:"0,keyasint,omitempty"`
	Time      float64  `json:"t,omitempty" cbor:"6,keyasint,omitempty"`
	FloatVal  *float64 `json:"v,omitempty" cbor:"2,keyasint,omitempty"`
	StringVal *string  `json:"vs,omitempty" cbor:"3,keyasint,omitempty"`
	BoolVal   *bool    `json:"vb,omitempty" cbor:"4,keyasint,omitempty"`
	DataVal   *string  `json:"vd,omitempty" cbor:"8,keyasint,omitempty"`
}

func relativeName(base, p Path) string {
	bs, ps := base.String(), p.String()
	if bs == "/" {
		return ps
	}
	name := ps[len(bs):]
	if name == "" {
		return ""
	}
	return name
}

func encodeSenML(base Path, records []Record, useCBOR bool) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("lwm2mcore: senml payload must carry at least one record")
	}
	out := make([]senmlRecord, len(records))
	baseStr := base.String()
	for i, rec := range records {
		sr := senmlRecord{Name: relativeName(base, rec.Path)}
		if i == 0 {
			sr.BaseName = baseStr
		}
		switch rec.Value.Type {
		case TypeInt, TypeUInt, TypeFloat, TypeTime:
			f, _ := rec.Value.AsFloat()
			sr.FloatVal = &f
		case TypeBool:
			b := rec.Value.Bool
			sr.BoolVal = &b
		case TypeString, TypeExternalString:
			s := rec.Value.Str
			sr.StringVal = &s
		case TypeBytes, TypeExternalBytes:
			d := base64.StdEncoding.EncodeToString(rec.Value.Bytes)
			sr.DataVal = &d
		case TypeObjLnk:
			s := rec.Value.Link.String()
			sr.StringVal = &s
		default:
			return nil, fmt.Errorf("lwm2mcore: %s: unsupported type %v for senml", rec.Path, rec.Value.Type)
		}
		out[i] = sr
	}
	if useCBOR {
		return cbor.Marshal(out)
	}
	return json.Marshal(out)
}

func decodeSenML(base Path, data []byte, useCBOR bool, lookup SchemaLookup) ([]Record, error) {
	var raw []senmlRecord
	var err error
	if useCBOR {
		err = cbor.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("lwm2mcore: senml decode: %w", err)
	}
	baseName := base.String()
	out := make([]Record, 0, len(raw))
	for _, sr := range raw {
		if sr.BaseName != "" {
			baseName = sr.BaseName
		}
		full := baseName + sr.Name
		p, err := ParsePath(full)
		if err != nil {
			return nil, fmt.Errorf("lwm2mcore: senml record name %q: %w", full, err)
		}
		dt, ok := lookup(p)
		if !ok {
			return nil, fmt.Errorf("lwm2mcore: %s: no schema for decode", p)
		}
		v, err := senmlValue(sr, dt)
		if err != nil {
			return nil, fmt.Errorf("lwm2mcore: %s: %w", p, err)
		}
		out = append(out, Record{Path: p, Value: v})
	}
	return out, nil
}

func senmlValue(sr senmlRecord, dt DataType) (Value, error) {
	switch {
	case sr.FloatVal != nil:
		return interfaceToValue(*sr.FloatVal, dt)
	case sr.BoolVal != nil:
		return BoolValue(*sr.BoolVal), nil
	case sr.StringVal != nil:
		if dt == TypeObjLnk {
			return interfaceToValue(*sr.StringVal, dt)
		}
		return interfaceToValue(*sr.StringVal, dt)
	case sr.DataVal != nil:
		dec, err := base64.StdEncoding.DecodeString(*sr.DataVal)
		if err != nil {
			return Value{}, fmt.Errorf("invalid vd base64: %w", err)
		}
		return BytesValue(dec), nil
	default:
		return Value{}, fmt.Errorf("senml record carries no value field")
	}
}

// encodeLwM2MCBOR and decodeLwM2MCBOR implement the simplified LwM2M-CBOR
// content format (RFC-to-be at the time of the teacher's writing, OMA TS
// appendix): a CBOR array of the same label-keyed maps SenML-CBOR uses,
// without the SenML envelope semantics (no implicit bn/bt carry-forward
// beyond the first record). Reusing senmlRecord keeps one conversion table
// for every CBOR-family format instead of a second parallel struct.
func encodeLwM2MCBOR(base Path, records []Record) ([]byte, error) {
	return encodeSenML(base, records, true)
}

func decodeLwM2MCBOR(base Path, data []byte, lookup SchemaLookup) ([]Record, error) {
	return decodeSenML(base, data, true, lookup)
}
