package lwm2mcore

import "testing"

func deviceLookup(p Path) (DataType, bool) {
	switch {
	case p.Equal(ResourcePath(3, 0, 0)):
		return TypeString, true
	case p.Equal(ResourcePath(3, 0, 1)):
		return TypeInt, true
	case p.Equal(ResourceInstancePath(3, 0, 6, 0)):
		return TypeFloat, true
	case p.Equal(ResourceInstancePath(3, 0, 6, 1)):
		return TypeFloat, true
	default:
		return TypeNone, false
	}
}

func TestEncodeDecodeTLVSingleResource(t *testing.T) {
	records := []Record{{Path: ResourcePath(3, 0, 1), Value: IntValue(42)}}
	data, err := Encode(FormatTLV, ResourcePath(3, 0, 1), records)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(FormatTLV, ResourcePath(3, 0, 1), data, deviceLookup)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 || !got[0].Value.Equal(IntValue(42)) {
		t.Errorf("got %+v, want IntValue(42)", got)
	}
}

func TestEncodeDecodeTLVMultiInstance(t *testing.T) {
	records := []Record{
		{Path: ResourceInstancePath(3, 0, 6, 0), Value: FloatValue(1.5)},
		{Path: ResourceInstancePath(3, 0, 6, 1), Value: FloatValue(2.5)},
	}
	data, err := Encode(FormatTLV, InstancePath(3, 0), records)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(FormatTLV, InstancePath(3, 0), data, deviceLookup)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	for _, r := range got {
		want := FloatValue(1.5)
		if r.Path.RIID == 1 {
			want = FloatValue(2.5)
		}
		if !r.Value.Equal(want) {
			t.Errorf("riid %d: got %+v, want %+v", r.Path.RIID, r.Value, want)
		}
	}
}

func TestEncodeDecodeSenMLCBOR(t *testing.T) {
	records := []Record{
		{Path: ResourcePath(3, 0, 0), Value: StringValue("edgeclient")},
		{Path: ResourcePath(3, 0, 1), Value: IntValue(7)},
	}
	data, err := Encode(FormatSenMLCBOR, InstancePath(3, 0), records)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(FormatSenMLCBOR, InstancePath(3, 0), data, deviceLookup)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestEncodeDecodeSenMLJSON(t *testing.T) {
	records := []Record{{Path: ResourcePath(3, 0, 1), Value: IntValue(99)}}
	data, err := Encode(FormatSenMLJSON, ResourcePath(3, 0, 1), records)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(FormatSenMLJSON, ResourcePath(3, 0, 1), data, deviceLookup)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 1 || !got[0].Value.Equal(IntValue(99)) {
		t.Errorf("got %+v", got)
	}
}

func TestEncodeDecodeTextPlain(t *testing.T) {
	cases := []Value{IntValue(-5), FloatValue(1.25), BoolValue(true), StringValue("hi")}
	paths := []Path{ResourcePath(3, 0, 1), ResourcePath(3, 0, 1), ResourcePath(3, 0, 1), ResourcePath(3, 0, 0)}
	lookups := []DataType{TypeInt, TypeFloat, TypeBool, TypeString}
	for i, v := range cases {
		lookup := func(p Path) (DataType, bool) { return lookups[i], true }
		data, err := Encode(FormatTextPlain, paths[i], []Record{{Path: paths[i], Value: v}})
		if err != nil {
			t.Fatalf("Encode %v: %v", v, err)
		}
		got, err := Decode(FormatTextPlain, paths[i], data, lookup)
		if err != nil {
			t.Fatalf("Decode %v: %v", v, err)
		}
		if !got[0].Value.Equal(v) {
			t.Errorf("got %+v, want %+v", got[0].Value, v)
		}
	}
}

func TestEncodeDecodeOctetStream(t *testing.T) {
	v := BytesValue([]byte{1, 2, 3, 4})
	data, err := Encode(FormatOctetStream, ResourcePath(3, 0, 5), []Record{{Path: ResourcePath(3, 0, 5), Value: v}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(FormatOctetStream, ResourcePath(3, 0, 5), data, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got[0].Value.Equal(v) {
		t.Errorf("got %+v, want %+v", got[0].Value, v)
	}
}

func TestEncodeDecodeLinkFormat(t *testing.T) {
	paths := []Path{ObjectPath(1), InstancePath(3, 0)}
	attrs := map[Path]LinkAttributes{ObjectPath(1): {Version: "1.1"}}
	data := EncodeLinks(paths, attrs)
	want := "</1>;ver=1.1,</3/0>"
	if string(data) != want {
		t.Errorf("EncodeLinks = %q, want %q", data, want)
	}
	got, err := DecodeLinks(data)
	if err != nil {
		t.Fatalf("DecodeLinks: %v", err)
	}
	if len(got) != 2 || !got[0].Equal(paths[0]) || !got[1].Equal(paths[1]) {
		t.Errorf("DecodeLinks = %+v, want %+v", got, paths)
	}
}

func TestDecodeLinksMalformed(t *testing.T) {
	if _, err := DecodeLinks([]byte("not-a-link")); err == nil {
		t.Errorf("expected error for malformed link-format entry")
	}
}
