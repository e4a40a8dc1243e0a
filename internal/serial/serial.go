// Package serial encodes and decodes fixed-layout records to and from the
// big-endian wire form used by PUP and its protocols.
//
// A record describes itself with an ordered list of Field descriptors, each
// bound to a pointer into the record. Encode and Decode walk that list; no
// runtime type inspection is involved.
package serial

import "fmt"

type Kind uint8

const (
	KindInvalid Kind = iota
	KindByte
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindBCPLString
	KindBytes
	KindString
)

var kindNames = [...]string{
	"invalid", "byte", "uint16", "int16", "uint32", "int32", "bcpl-string", "bytes", "string",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field is one entry of a record layout.
type Field struct {
	Name string
	Kind Kind

	// WordAligned inserts (or skips) a zero byte before the field when the
	// stream offset is odd.
	WordAligned bool

	// Length is the declared element count of a KindBytes field. Zero means
	// no length was declared.
	Length int

	// Ptr points at the record member backing this field.
	Ptr any
}

// Aligned returns a copy of f marked as word aligned.
func (f Field) Aligned() Field {
	f.WordAligned = true
	return f
}

// Record is implemented by anything with a static wire layout.
type Record interface {
	Fields() []Field
}

func Byte(name string, p *byte) Field {
	return Field{Name: name, Kind: KindByte, Ptr: p}
}

func Uint16(name string, p *uint16) Field {
	return Field{Name: name, Kind: KindUint16, Ptr: p}
}

func Int16(name string, p *int16) Field {
	return Field{Name: name, Kind: KindInt16, Ptr: p}
}

func Uint32(name string, p *uint32) Field {
	return Field{Name: name, Kind: KindUint32, Ptr: p}
}

func Int32(name string, p *int32) Field {
	return Field{Name: name, Kind: KindInt32, Ptr: p}
}

// BCPL binds a length-prefixed string (one count byte, then characters).
func BCPL(name string, p *string) Field {
	return Field{Name: name, Kind: KindBCPLString, Ptr: p}
}

// Bytes binds a fixed-length byte array. length may be zero when the field is
// only ever encoded; decoding such a field fails with ErrMissingLength.
func Bytes(name string, p *[]byte, length int) Field {
	return Field{Name: name, Kind: KindBytes, Length: length, Ptr: p}
}

// String binds a free-length string. It must be the last field of a record.
func String(name string, p *string) Field {
	return Field{Name: name, Kind: KindString, Ptr: p}
}

// Auto infers the field kind from the pointer type. Pointers to anything
// outside the supported set produce a KindInvalid field, which Encode and
// Decode reject with an UnsupportedFieldTypeError.
func Auto(name string, p any) Field {
	f := Field{Name: name, Ptr: p}
	switch p.(type) {
	case *byte:
		f.Kind = KindByte
	case *uint16:
		f.Kind = KindUint16
	case *int16:
		f.Kind = KindInt16
	case *uint32:
		f.Kind = KindUint32
	case *int32:
		f.Kind = KindInt32
	case *[]byte:
		f.Kind = KindBytes
	case *string:
		f.Kind = KindString
	default:
		f.Kind = KindInvalid
	}
	return f
}

// validate checks that the bound pointer matches the declared kind.
func (f Field) validate() error {
	ok := false
	switch f.Kind {
	case KindByte:
		_, ok = f.Ptr.(*byte)
	case KindUint16:
		_, ok = f.Ptr.(*uint16)
	case KindInt16:
		_, ok = f.Ptr.(*int16)
	case KindUint32:
		_, ok = f.Ptr.(*uint32)
	case KindInt32:
		_, ok = f.Ptr.(*int32)
	case KindBCPLString, KindString:
		_, ok = f.Ptr.(*string)
	case KindBytes:
		_, ok = f.Ptr.(*[]byte)
	}
	if !ok {
		return &UnsupportedFieldTypeError{Field: f.Name, Type: fmt.Sprintf("%T", f.Ptr)}
	}
	return nil
}

// Size returns the encoded size of r. It fails for records whose layout
// cannot be encoded.
func Size(r Record) (int, error) {
	b, err := Encode(r)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
