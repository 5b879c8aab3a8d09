package status

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want Code
	}{
		{"bool true", true, OK},
		{"int one", 1, Failed},
		{"bool false", false, Failed},
		{"int two", 2, Failed},
		{"int zero", 0, OK},
		{"int three", 3, Failed},
		{"string ok", "ok", OK},
		{"string oops", "oops", Failed},
		{"nil", nil, OK},
		{"code queued", Queued, Queued},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("%s: Normalize(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestParseCode(t *testing.T) {
	code, ok := ParseCode("invalid_argument")
	if !ok || code != InvalidArgument {
		t.Fatalf("ParseCode(invalid_argument) = %v, %v", code, ok)
	}
	if _, ok := ParseCode("bogus"); ok {
		t.Fatal("ParseCode(bogus) should not match")
	}
}

func TestTerminal(t *testing.T) {
	for _, c := range []Code{OK, Failed} {
		if !c.Terminal() {
			t.Errorf("%v should be terminal", c)
		}
	}
	for _, c := range []Code{Queued, Running, InvalidArgument, Unknown, NotFound, Timeout} {
		if c.Terminal() {
			t.Errorf("%v should not be terminal", c)
		}
	}
}

func TestStatusDocRoundTrip(t *testing.T) {
	s := New(Failed, "no common slot")
	restored := FromDoc(s.Doc())
	if restored != s {
		t.Fatalf("round trip mismatch: %+v != %+v", restored, s)
	}
	if got := FromDoc("not a map"); got.Code != int(Unknown) {
		t.Fatalf("malformed doc should restore UNKNOWN, got %+v", got)
	}
}
