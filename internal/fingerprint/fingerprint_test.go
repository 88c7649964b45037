package fingerprint

import "testing"

func TestLineStable(t *testing.T) {
	line := "2019-08-09T16:28:42Z UpdateTip: new best=00000000000000000001d80 height=589349"
	a := Line(line)
	b := Line(line)
	if a != b {
		t.Fatalf("fingerprint not stable across calls: %v != %v", a, b)
	}
}

func TestLineDistinguishesContent(t *testing.T) {
	a := Line("line one")
	b := Line("line two")
	if a == b {
		t.Fatalf("distinct lines hashed to the same fingerprint")
	}
}

func TestRoundTripString(t *testing.T) {
	fp := Line("some log line")
	s := fp.String()
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != fp {
		t.Fatalf("round trip mismatch: %v != %v", parsed, fp)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-hex!!"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}
