// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lwm2mcore

import (
	"encoding/base64"
	"fmt"
	"time"
)

// DataType is a LwM2M resource value type.
type DataType int

const (
	TypeNone DataType = iota
	TypeInt
	TypeUInt
	TypeFloat
	TypeBool
	TypeString
	TypeBytes
	TypeExternalString
	TypeExternalBytes
	TypeObjLnk
	TypeTime
)

func (t DataType) numeric() bool {
	return t == TypeInt || t == TypeUInt || t == TypeFloat
}

// ObjLnk is an Object Link value: a reference to another object instance.
type ObjLnk struct {
	ObjectID   uint16
	InstanceID uint16
}

func (o ObjLnk) String() string { return fmt.Sprintf("%d:%d", o.ObjectID, o.InstanceID) }

// Value is a tagged union over the data types a LwM2M resource can hold.
// Only the field matching Type is meaningful.
type Value struct {
	Type  DataType
	Int   int64
	UInt  uint64
	Float float64
	Bool  bool
	Str   string
	Bytes []byte
	Link  ObjLnk
	Time  time.Time
}

func IntValue(v int64) Value     { return Value{Type: TypeInt, Int: v} }
func UIntValue(v uint64) Value   { return Value{Type: TypeUInt, UInt: v} }
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Type: TypeBool, Bool: v} }
func StringValue(v string) Value { return Value{Type: TypeString, Str: v} }
func BytesValue(v []byte) Value  { return Value{Type: TypeBytes, Bytes: v} }
func ObjLnkValue(v ObjLnk) Value { return Value{Type: TypeObjLnk, Link: v} }
func TimeValue(v time.Time) Value {
	return Value{Type: TypeTime, Time: v}
}

// AsFloat reports the value as a float64 for the gt/lt/st trigger
// comparisons in the observation engine. Only numeric and time types
// convert; everything else reports ok=false.
func (v Value) AsFloat() (f float64, ok bool) {
	switch v.Type {
	case TypeInt:
		return float64(v.Int), true
	case TypeUInt:
		return float64(v.UInt), true
	case TypeFloat:
		return v.Float, true
	case TypeTime:
		return float64(v.Time.Unix()), true
	default:
		return 0, false
	}
}

// Equal is a best-effort value comparison, used by the data model mediator
// to decide whether a write actually changed a resource (and is therefore
// worth a data_model_changed notification).
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeInt:
		return v.Int == o.Int
	case TypeUInt:
		return v.UInt == o.UInt
	case TypeFloat:
		return v.Float == o.Float
	case TypeBool:
		return v.Bool == o.Bool
	case TypeString, TypeExternalString:
		return v.Str == o.Str
	case TypeBytes, TypeExternalBytes:
		return string(v.Bytes) == string(o.Bytes)
	case TypeObjLnk:
		return v.Link == o.Link
	case TypeTime:
		return v.Time.Equal(o.Time)
	default:
		return true
	}
}

// valueToInterface converts a Value to the generic interface{} shape the
// codec façade's CBOR/JSON intermediate representation uses. This mirrors
// the teacher's cbor.go jsonInterfaceToCBORInterface/
// cborInterfaceToJSONInterface pair, which walks a generic interface{} tree
// translating between a numeric-enum keyspace and a string keyspace; here
// the "enum" is the resource DataType rather than a Matrix event-key table,
// but the base-case conversions are the same idea.
func valueToInterface(v Value) interface{} {
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeUInt:
		return v.UInt
	case TypeFloat:
		return v.Float
	case TypeBool:
		return v.Bool
	case TypeString, TypeExternalString:
		return v.Str
	case TypeBytes, TypeExternalBytes:
		return v.Bytes
	case TypeObjLnk:
		return v.Link.String()
	case TypeTime:
		return v.Time.Unix()
	default:
		return nil
	}
}

// interfaceToValue is the inverse of valueToInterface, coercing a decoded
// CBOR/JSON scalar into the Value shape demanded by dt.
func interfaceToValue(i interface{}, dt DataType) (Value, error) {
	switch dt {
	case TypeInt:
		n, ok := toInt64(i)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to int", i)
		}
		return IntValue(n), nil
	case TypeUInt:
		n, ok := toInt64(i)
		if !ok || n < 0 {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to uint", i)
		}
		return UIntValue(uint64(n)), nil
	case TypeFloat:
		f, ok := toFloat64(i)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to float", i)
		}
		return FloatValue(f), nil
	case TypeBool:
		b, ok := i.(bool)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to bool", i)
		}
		return BoolValue(b), nil
	case TypeString, TypeExternalString:
		s, ok := i.(string)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to string", i)
		}
		return StringValue(s), nil
	case TypeBytes, TypeExternalBytes:
		switch b := i.(type) {
		case []byte:
			return BytesValue(b), nil
		case string:
			// base64 is how the JSON-family codecs carry opaque bytes
			dec, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return Value{}, fmt.Errorf("lwm2mcore: invalid base64 bytes: %w", err)
			}
			return BytesValue(dec), nil
		default:
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to bytes", i)
		}
	case TypeTime:
		n, ok := toInt64(i)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to time", i)
		}
		return TimeValue(time.Unix(n, 0).UTC()), nil
	case TypeObjLnk:
		s, ok := i.(string)
		if !ok {
			return Value{}, fmt.Errorf("lwm2mcore: cannot convert %T to objlnk", i)
		}
		var oid, iid uint16
		if _, err := fmt.Sscanf(s, "%d:%d", &oid, &iid); err != nil {
			return Value{}, fmt.Errorf("lwm2mcore: invalid objlnk %q: %w", s, err)
		}
		return ObjLnkValue(ObjLnk{ObjectID: oid, InstanceID: iid}), nil
	default:
		return Value{}, nil
	}
}

func toInt64(i interface{}) (int64, bool) {
	switch n := i.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(i interface{}) (float64, bool) {
	switch n := i.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
