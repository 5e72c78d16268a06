package lwm2mcore

import "testing"

func TestParsePath(t *testing.T) {
	cases := []struct {
		in    string
		want  Path
		isErr bool
	}{
		{in: "", want: RootPath()},
		{in: "/", want: RootPath()},
		{in: "3", want: ObjectPath(3)},
		{in: "/3", want: ObjectPath(3)},
		{in: "/3/0", want: InstancePath(3, 0)},
		{in: "/3/0/1", want: ResourcePath(3, 0, 1)},
		{in: "/3/0/1/2", want: ResourceInstancePath(3, 0, 1, 2)},
		{in: "/3/0/1/2/9", isErr: true},
		{in: "/x/0", isErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePath(tc.in)
		if tc.isErr {
			if err == nil {
				t.Errorf("ParsePath(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParsePath(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPathStringRoundTrip(t *testing.T) {
	paths := []Path{
		RootPath(),
		ObjectPath(3),
		InstancePath(3, 0),
		ResourcePath(3, 0, 1),
		ResourceInstancePath(3, 0, 1, 2),
	}
	for _, p := range paths {
		s := p.String()
		got, err := ParsePath(s)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", s, err)
		}
		if !got.Equal(p) {
			t.Errorf("round trip %+v -> %q -> %+v", p, s, got)
		}
	}
}

func TestPathDepthPredicates(t *testing.T) {
	p := ResourcePath(3, 0, 1)
	if !p.HasIID() || !p.HasRID() || p.HasRIID() {
		t.Errorf("ResourcePath predicates wrong: %+v", p)
	}
	if p.IsObject() {
		t.Errorf("ResourcePath should not be IsObject")
	}
	if !ObjectPath(3).IsObject() {
		t.Errorf("ObjectPath should be IsObject")
	}
	if !RootPath().IsRoot() {
		t.Errorf("RootPath should be IsRoot")
	}
}

func TestPathParent(t *testing.T) {
	cases := []struct {
		in   Path
		want Path
		ok   bool
	}{
		{in: RootPath(), ok: false},
		{in: ObjectPath(3), want: RootPath(), ok: true},
		{in: InstancePath(3, 0), want: ObjectPath(3), ok: true},
		{in: ResourcePath(3, 0, 1), want: InstancePath(3, 0), ok: true},
		{in: ResourceInstancePath(3, 0, 1, 2), want: ResourcePath(3, 0, 1), ok: true},
	}
	for _, tc := range cases {
		got, ok := tc.in.Parent()
		if ok != tc.ok {
			t.Errorf("Parent(%+v) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && !got.Equal(tc.want) {
			t.Errorf("Parent(%+v) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPathContains(t *testing.T) {
	cases := []struct {
		anc, desc Path
		want      bool
	}{
		{RootPath(), ObjectPath(3), true},
		{ObjectPath(3), InstancePath(3, 0), true},
		{ObjectPath(3), InstancePath(4, 0), false},
		{InstancePath(3, 0), ResourcePath(3, 0, 1), true},
		{InstancePath(3, 1), ResourcePath(3, 0, 1), false},
		{ResourcePath(3, 0, 1), ResourcePath(3, 0, 1), true},
		{ResourcePath(3, 0, 1), InstancePath(3, 0), false},
	}
	for _, tc := range cases {
		if got := tc.anc.Contains(tc.desc); got != tc.want {
			t.Errorf("%+v.Contains(%+v) = %v, want %v", tc.anc, tc.desc, got, tc.want)
		}
	}
}

func TestPathLess(t *testing.T) {
	a := InstancePath(3, 0)
	b := InstancePath(3, 1)
	c := InstancePath(4, 0)
	if !a.Less(b) {
		t.Errorf("expected %+v < %+v", a, b)
	}
	if !a.Less(c) {
		t.Errorf("expected %+v < %+v", a, c)
	}
	if b.Less(a) {
		t.Errorf("did not expect %+v < %+v", b, a)
	}
}
