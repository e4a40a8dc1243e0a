package serial

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fixture struct {
	Flag   byte
	Word   uint16
	Signed int16
	Long   uint32
	Neg    int32
	Name   string
	Block  []byte
	Tail   string
}

func (f *fixture) Fields() []Field {
	return []Field{
		Byte("flag", &f.Flag),
		Uint16("word", &f.Word).Aligned(),
		Int16("signed", &f.Signed),
		Uint32("long", &f.Long),
		Int32("neg", &f.Neg),
		BCPL("name", &f.Name),
		Bytes("block", &f.Block, 3),
		String("tail", &f.Tail),
	}
}

func TestRoundTrip(t *testing.T) {
	want := fixture{
		Flag:   0x7f,
		Word:   0xbeef,
		Signed: -2,
		Long:   0xdeadbeef,
		Neg:    -100000,
		Name:   "Alto",
		Block:  []byte{1, 2, 3},
		Tail:   "rest of the packet",
	}

	data, err := Encode(&want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got fixture
	if err := Decode(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBigEndian(t *testing.T) {
	var w uint16 = 0x0102
	var l uint32 = 0x03040506
	r := recordFunc(func() []Field {
		return []Field{Uint16("w", &w), Uint32("l", &l)}
	})

	data, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if !cmp.Equal(data, want) {
		t.Fatalf("got %v, want %v", data, want)
	}
}

type aligned struct {
	A, B, C byte
	W       uint16
}

func (a *aligned) Fields() []Field {
	return []Field{
		Byte("a", &a.A),
		Byte("b", &a.B),
		Byte("c", &a.C),
		Uint16("w", &a.W).Aligned(),
	}
}

func TestAlignmentPadding(t *testing.T) {
	in := aligned{A: 1, B: 2, C: 3, W: 0x0405}
	data, err := Encode(&in)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{1, 2, 3, 0, 4, 5}
	if !cmp.Equal(data, want) {
		t.Fatalf("got %v, want %v", data, want)
	}

	// A non-zero pad byte must be skipped, not interpreted.
	data[3] = 0xff
	var out aligned
	if err := Decode(data, &out); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(in, out) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestAlignmentNoPadOnEvenOffset(t *testing.T) {
	var a, b byte = 1, 2
	var w uint16 = 3
	r := recordFunc(func() []Field {
		return []Field{Byte("a", &a), Byte("b", &b), Uint16("w", &w).Aligned()}
	})
	data, err := Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 {
		t.Fatalf("expected no padding, got %v", data)
	}
}

func TestMissingLength(t *testing.T) {
	var block []byte
	r := recordFunc(func() []Field {
		return []Field{Bytes("block", &block, 0)}
	})

	if err := Decode([]byte{1, 2}, r); !errors.Is(err, ErrMissingLength) {
		t.Fatalf("expected ErrMissingLength, got %v", err)
	}

	// Encoding an unannotated array is allowed.
	block = []byte{9, 9}
	data, err := Encode(r)
	if err != nil || !cmp.Equal(data, []byte{9, 9}) {
		t.Fatalf("unexpected encode result %v, %v", data, err)
	}
}

func TestLengthMismatch(t *testing.T) {
	block := []byte{1, 2}
	r := recordFunc(func() []Field {
		return []Field{Bytes("block", &block, 4)}
	})
	if _, err := Encode(r); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestTrailingStringPosition(t *testing.T) {
	var s string
	var b byte
	r := recordFunc(func() []Field {
		return []Field{String("s", &s), Byte("b", &b)}
	})

	if _, err := Encode(r); !errors.Is(err, ErrInvalidTrailing) {
		t.Fatalf("encode: expected ErrInvalidTrailing, got %v", err)
	}
	if err := Decode([]byte("abc"), r); !errors.Is(err, ErrInvalidTrailing) {
		t.Fatalf("decode: expected ErrInvalidTrailing, got %v", err)
	}
}

func TestTrailingStringConsumesRest(t *testing.T) {
	var code uint16
	var text string
	r := recordFunc(func() []Field {
		return []Field{Uint16("code", &code), String("text", &text)}
	})
	if err := Decode([]byte{0, 7, 'n', 'o', ' ', 'w', 'a', 'y'}, r); err != nil {
		t.Fatal(err)
	}
	if code != 7 || text != "no way" {
		t.Fatalf("got code=%d text=%q", code, text)
	}
}

func TestUnsupportedFieldType(t *testing.T) {
	var f float64
	r := recordFunc(func() []Field {
		return []Field{Auto("ratio", &f)}
	})

	_, err := Encode(r)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	var typed *UnsupportedFieldTypeError
	if !errors.As(err, &typed) || typed.Type != "*float64" {
		t.Fatalf("error does not name the offending type: %v", err)
	}

	if err := Decode([]byte{0}, r); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("decode: expected ErrUnsupportedType, got %v", err)
	}
}

func TestKindPointerMismatch(t *testing.T) {
	var w uint32
	r := recordFunc(func() []Field {
		return []Field{{Name: "w", Kind: KindUint16, Ptr: &w}}
	})
	if _, err := Encode(r); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestShortBuffer(t *testing.T) {
	var l uint32
	r := recordFunc(func() []Field {
		return []Field{Uint32("l", &l)}
	})
	if err := Decode([]byte{1, 2}, r); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestLayoutCheckedBeforeData(t *testing.T) {
	var w uint16
	var s string
	var b byte
	var f float64

	misplaced := recordFunc(func() []Field {
		return []Field{Uint16("w", &w), String("s", &s), Byte("b", &b)}
	})
	if err := Decode([]byte{1}, misplaced); !errors.Is(err, ErrInvalidTrailing) {
		t.Fatalf("expected ErrInvalidTrailing, got %v", err)
	}

	unsupported := recordFunc(func() []Field {
		return []Field{Uint16("w", &w), Auto("ratio", &f)}
	})
	if err := Decode([]byte{1}, unsupported); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}

	if err := Decode([]byte{0, 9, 1, 2}, misplaced); !errors.Is(err, ErrInvalidTrailing) {
		t.Fatalf("expected ErrInvalidTrailing, got %v", err)
	}
	if w != 0 {
		t.Fatalf("record changed by a failed decode: w=%d", w)
	}
}

func TestFailedDecodeLeavesRecord(t *testing.T) {
	want := fixture{Flag: 1, Word: 2, Name: "keep", Tail: "me"}
	got := want
	if err := Decode([]byte{7, 0, 0, 8, 0, 0}, &got); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record changed (-want +got):\n%s", diff)
	}
}

func TestBCPLTooLong(t *testing.T) {
	s := string(make([]byte, 256))
	r := recordFunc(func() []Field {
		return []Field{BCPL("s", &s)}
	})
	if _, err := Encode(r); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}

type recordFunc func() []Field

func (f recordFunc) Fields() []Field { return f() }
