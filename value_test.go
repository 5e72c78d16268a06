package lwm2mcore

import (
	"testing"
	"time"
)

func TestValueEqual(t *testing.T) {
	cases := []struct {
		a, b Value
		want bool
	}{
		{IntValue(3), IntValue(3), true},
		{IntValue(3), IntValue(4), false},
		{FloatValue(1.5), FloatValue(1.5), true},
		{StringValue("a"), StringValue("b"), false},
		{BytesValue([]byte("x")), BytesValue([]byte("x")), true},
		{BoolValue(true), IntValue(1), false},
		{ObjLnkValue(ObjLnk{3, 0}), ObjLnkValue(ObjLnk{3, 0}), true},
		{ObjLnkValue(ObjLnk{3, 0}), ObjLnkValue(ObjLnk{3, 1}), false},
	}
	for _, tc := range cases {
		if got := tc.a.Equal(tc.b); got != tc.want {
			t.Errorf("%+v.Equal(%+v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestValueAsFloat(t *testing.T) {
	cases := []struct {
		v      Value
		want   float64
		wantOk bool
	}{
		{IntValue(3), 3, true},
		{UIntValue(7), 7, true},
		{FloatValue(1.25), 1.25, true},
		{TimeValue(time.Unix(100, 0).UTC()), 100, true},
		{StringValue("x"), 0, false},
		{BoolValue(true), 0, false},
	}
	for _, tc := range cases {
		f, ok := tc.v.AsFloat()
		if ok != tc.wantOk || (ok && f != tc.want) {
			t.Errorf("%+v.AsFloat() = (%v, %v), want (%v, %v)", tc.v, f, ok, tc.want, tc.wantOk)
		}
	}
}

func TestInterfaceToValueRoundTrip(t *testing.T) {
	cases := []struct {
		dt DataType
		v  Value
	}{
		{TypeInt, IntValue(-42)},
		{TypeUInt, UIntValue(42)},
		{TypeFloat, FloatValue(3.5)},
		{TypeBool, BoolValue(true)},
		{TypeString, StringValue("hello")},
		{TypeBytes, BytesValue([]byte{1, 2, 3})},
		{TypeObjLnk, ObjLnkValue(ObjLnk{ObjectID: 3, InstanceID: 1})},
	}
	for _, tc := range cases {
		i := valueToInterface(tc.v)
		got, err := interfaceToValue(i, tc.dt)
		if err != nil {
			t.Fatalf("interfaceToValue(%v, %v): %v", i, tc.dt, err)
		}
		if !got.Equal(tc.v) {
			t.Errorf("round trip %+v -> %v -> %+v", tc.v, i, got)
		}
	}
}

func TestInterfaceToValueBase64Bytes(t *testing.T) {
	// JSON-family codecs carry opaque bytes as base64 strings.
	got, err := interfaceToValue("AQID", TypeBytes)
	if err != nil {
		t.Fatalf("interfaceToValue: %v", err)
	}
	want := BytesValue([]byte{1, 2, 3})
	if !got.Equal(want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestInterfaceToValueErrors(t *testing.T) {
	if _, err := interfaceToValue("not a number", TypeInt); err == nil {
		t.Errorf("expected error converting string to int")
	}
	if _, err := interfaceToValue(3, TypeString); err == nil {
		t.Errorf("expected error converting int to string")
	}
	if _, err := interfaceToValue("bad:link", TypeObjLnk); err == nil {
		t.Errorf("expected error converting malformed objlnk")
	}
}
