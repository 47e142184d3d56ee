package version

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"14", Version{14, -1, -1}},
		{"14.2", Version{14, 2, -1}},
		{"9.6", Version{9, 6, -1}},
		{"9.6.24", Version{9, 6, 24}},
		{" 15\n", Version{15, -1, -1}},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "x", "14.x", "1.2.3.4", "-1"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestParseToolOutput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pg_ctl (PostgreSQL) 14.2", "14.2"},
		{"pg_ctl (PostgreSQL) 14.2 (Ubuntu 14.2-1.pgdg20.04+1)", "14.2"},
		{"initdb (PostgreSQL) 9.6.24\n", "9.6.24"},
	}
	for _, c := range cases {
		got, err := ParseToolOutput(c.in)
		if err != nil {
			t.Fatalf("ParseToolOutput(%q) returned error: %v", c.in, err)
		}
		if got.String() != c.want {
			t.Errorf("ParseToolOutput(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseToolOutput("pg_ctl: no version here"); err == nil {
		t.Error("ParseToolOutput with no version succeeded, want error")
	}
}

func TestCompare(t *testing.T) {
	ordered := []string{"9.6", "9.6.0", "9.6.24", "10", "10.1", "14", "14.2"}
	for i := 1; i < len(ordered); i++ {
		lo, _ := Parse(ordered[i-1])
		hi, _ := Parse(ordered[i])
		if lo.Compare(hi) >= 0 {
			t.Errorf("expected %v < %v", lo, hi)
		}
		if hi.Compare(lo) <= 0 {
			t.Errorf("expected %v > %v", hi, lo)
		}
	}
	v, _ := Parse("14.2")
	if v.Compare(v) != 0 {
		t.Errorf("expected %v == %v", v, v)
	}
}

func TestCompatibleWith(t *testing.T) {
	cases := []struct {
		constraint string
		runtime    string
		want       bool
	}{
		{"14", "14.2", true},
		{"14.2", "14.2", true},
		{"14.2", "14.3", false},
		{"14", "15.1", false},
		{"9.6", "9.6.24", true},
		{"9.6.24", "9.6.24", true},
		{"9.6.24", "9.6.23", false},
		{"9.5", "9.6.24", false},
		{"9.6", "10.1", false},
	}
	for _, c := range cases {
		cv, _ := Parse(c.constraint)
		rv, _ := Parse(c.runtime)
		if got := cv.CompatibleWith(rv); got != c.want {
			t.Errorf("%v.CompatibleWith(%v) = %v, want %v", cv, rv, got, c.want)
		}
	}
}
