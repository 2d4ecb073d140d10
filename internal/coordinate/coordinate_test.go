package coordinate

import "testing"

func TestNormalizePyPINameIdempotent(t *testing.T) {
	cases := []string{"Foo_Bar", "foo-bar", "FOO.BAR", "foo__bar", "already-normal"}
	for _, c := range cases {
		once := NormalizePyPIName(c)
		twice := NormalizePyPIName(once)
		if once != twice {
			t.Fatalf("normalization not idempotent for %q: %q vs %q", c, once, twice)
		}
	}
}

func TestNormalizePyPINameRules(t *testing.T) {
	got := NormalizePyPIName("Foo_Bar")
	if want := "foo-bar"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCoordinateStringStable(t *testing.T) {
	c := Coordinate{Ecosystem: NPM, Name: "axios", Version: "1.2.3"}
	if c.String() != c.String() {
		t.Fatalf("coordinate string must be stable")
	}
	if !c.HasVersion() {
		t.Fatalf("expected HasVersion true")
	}
	if (Coordinate{}).HasVersion() {
		t.Fatalf("expected HasVersion false for empty coordinate")
	}
}
