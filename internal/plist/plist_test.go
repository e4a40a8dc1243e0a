package plist

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func snapshot(pl *PropertyList) map[string][]string {
	out := make(map[string][]string)
	for _, n := range pl.Names() {
		out[n] = pl.Values(n)
	}
	return out
}

func TestParse(t *testing.T) {
	pl, err := Parse("((Server-Filename TESTFILE.7)(Byte-Size 36)(Read-Date 23-Jan-76 11:30:22 PST))")
	if err != nil {
		t.Fatal(err)
	}

	want := map[string][]string{
		"server-filename": {"TESTFILE.7"},
		"byte-size":       {"36"},
		"read-date":       {"23-Jan-76 11:30:22 PST"},
	}
	if diff := cmp.Diff(want, snapshot(pl)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	if v, ok := pl.Value("SERVER-FILENAME"); !ok || v != "TESTFILE.7" {
		t.Fatalf("case-insensitive lookup failed: %q %v", v, ok)
	}
}

func TestParseQuoted(t *testing.T) {
	pl, err := Parse("((PropertyName Don''t'(!')Goof))")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := pl.Value("propertyname"); v != "Don't(!)Goof" {
		t.Fatalf("got %q", v)
	}
}

func TestRoundTrip(t *testing.T) {
	pl := New()
	pl.Set(ServerFilename, "<Alto>Sys.Boot!3")
	pl.Add(Author, "first")
	pl.Add("AUTHOR", "second (with parens)")
	pl.Add(Author, "it's third")
	pl.Set(Size, "")
	pl.SetValues(Directory, []string{"a", "b"})

	parsed, err := Parse(pl.String())
	if err != nil {
		t.Fatalf("parse of %q: %v", pl.String(), err)
	}
	if diff := cmp.Diff(snapshot(pl), snapshot(parsed)); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pl.Names(), parsed.Names()); diff != "" {
		t.Fatalf("name order changed:\n%s", diff)
	}
}

func TestEscaping(t *testing.T) {
	pl := New()
	pl.Set("x", "a'b(c)d")

	want := "((x a''b'(c')d))"
	if got := pl.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	back, err := Parse(want)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := back.Value("x"); v != "a'b(c)d" {
		t.Fatalf("got %q", v)
	}
}

func TestMalformed(t *testing.T) {
	cases := map[string]string{
		"not a property":       "(a b))",
		"missing outer paren":  "(a b)",
		"missing close":        "((a b)",
		"unterminated value":   "((a b",
		"property not paren":   "(x(a b))",
		"no space":             "((ab))",
		"quote at end":         "((a b'",
		"empty":                "",
		"trailing":             "((a b))x",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			pl, err := Parse(in)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed for %q, got %v", in, err)
			}
			if pl != nil {
				t.Fatalf("partial list returned for %q", in)
			}
		})
	}
}

func TestParseAt(t *testing.T) {
	s := "xx((a 1))((b 2))"
	pl, end, err := ParseAt(s, 2)
	if err != nil {
		t.Fatal(err)
	}
	if end != 9 {
		t.Fatalf("end = %d", end)
	}
	if v, _ := pl.Value("a"); v != "1" {
		t.Fatalf("got %q", v)
	}

	pl, end, err = ParseAt(s, end)
	if err != nil || end != len(s) {
		t.Fatalf("second list: end=%d err=%v", end, err)
	}
	if v, _ := pl.Value("b"); v != "2" {
		t.Fatalf("got %q", v)
	}
}

func TestEmptyList(t *testing.T) {
	pl, err := Parse("()")
	if err != nil {
		t.Fatal(err)
	}
	if pl.Len() != 0 || pl.String() != "()" {
		t.Fatalf("unexpected list %q", pl.String())
	}
}

func TestSetValuesEmptyRemoves(t *testing.T) {
	pl := New()
	pl.Set("a", "1")
	pl.SetValues("A", nil)
	if pl.Contains("a") || pl.Len() != 0 {
		t.Fatal("name not removed")
	}
}

func TestRejectsDelimiterInName(t *testing.T) {
	pl := New()
	for _, name := range []string{"Byte Size", "Size(", "a)"} {
		if err := pl.Add(name, "1"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Add(%q): got %v", name, err)
		}
		if err := pl.Set(name, "1"); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Set(%q): got %v", name, err)
		}
	}
	if pl.Len() != 0 {
		t.Fatalf("unexpected list %q", pl.String())
	}

	if err := pl.Set("Byte-Size", "8"); err != nil {
		t.Fatal(err)
	}
	back, err := Parse(pl.String())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snapshot(pl), snapshot(back)); diff != "" {
		t.Fatal(diff)
	}
}
