package serial

import (
	"bytes"
	"encoding/binary"
)

// checkLayout rejects static layout mistakes before any data is touched.
// Byte arrays need a declared length only when decoding.
func checkLayout(fields []Field, decoding bool) error {
	for i, f := range fields {
		if err := f.validate(); err != nil {
			return err
		}
		switch {
		case f.Kind == KindString && i != len(fields)-1:
			return fieldError(f, ErrInvalidTrailing)
		case f.Kind == KindBytes && decoding && f.Length <= 0:
			return fieldError(f, ErrMissingLength)
		}
	}
	return nil
}

// Encode serializes r in field declaration order.
func Encode(r Record) ([]byte, error) {
	fields := r.Fields()
	if err := checkLayout(fields, false); err != nil {
		return nil, err
	}
	var buf bytes.Buffer

	for _, f := range fields {
		if f.WordAligned && buf.Len()%2 != 0 {
			buf.WriteByte(0)
		}

		switch f.Kind {
		case KindByte:
			buf.WriteByte(*f.Ptr.(*byte))
		case KindUint16:
			buf.Write(binary.BigEndian.AppendUint16(nil, *f.Ptr.(*uint16)))
		case KindInt16:
			buf.Write(binary.BigEndian.AppendUint16(nil, uint16(*f.Ptr.(*int16))))
		case KindUint32:
			buf.Write(binary.BigEndian.AppendUint32(nil, *f.Ptr.(*uint32)))
		case KindInt32:
			buf.Write(binary.BigEndian.AppendUint32(nil, uint32(*f.Ptr.(*int32))))
		case KindBCPLString:
			s := *f.Ptr.(*string)
			if len(s) > 255 {
				return nil, fieldError(f, ErrStringTooLong)
			}
			buf.WriteByte(byte(len(s)))
			buf.WriteString(s)
		case KindBytes:
			value := *f.Ptr.(*[]byte)
			if f.Length > 0 && f.Length != len(value) {
				return nil, fieldError(f, ErrLengthMismatch)
			}
			buf.Write(value)
		case KindString:
			buf.WriteString(*f.Ptr.(*string))
		}
	}

	return buf.Bytes(), nil
}

// Decode fills r from data in field declaration order. Bytes beyond the
// layout are ignored unless the record ends in a free-length string, which
// consumes them. On error r is left untouched.
func Decode(data []byte, r Record) error {
	fields := r.Fields()
	if err := checkLayout(fields, true); err != nil {
		return err
	}
	pos := 0
	assign := make([]func(), 0, len(fields))

	need := func(n int) error {
		if pos+n > len(data) {
			return ErrShortBuffer
		}
		return nil
	}

	for _, f := range fields {
		if f.WordAligned && pos%2 != 0 {
			if err := need(1); err != nil {
				return fieldError(f, err)
			}
			pos++
		}

		var size int
		switch f.Kind {
		case KindByte:
			size = 1
		case KindUint16, KindInt16:
			size = 2
		case KindUint32, KindInt32:
			size = 4
		case KindBCPLString:
			if err := need(1); err != nil {
				return fieldError(f, err)
			}
			size = 1 + int(data[pos])
		case KindBytes:
			size = f.Length
		case KindString:
			size = len(data) - pos
		}
		if err := need(size); err != nil {
			return fieldError(f, err)
		}

		b := data[pos : pos+size]
		p := f.Ptr
		switch f.Kind {
		case KindByte:
			assign = append(assign, func() { *p.(*byte) = b[0] })
		case KindUint16:
			assign = append(assign, func() { *p.(*uint16) = binary.BigEndian.Uint16(b) })
		case KindInt16:
			assign = append(assign, func() { *p.(*int16) = int16(binary.BigEndian.Uint16(b)) })
		case KindUint32:
			assign = append(assign, func() { *p.(*uint32) = binary.BigEndian.Uint32(b) })
		case KindInt32:
			assign = append(assign, func() { *p.(*int32) = int32(binary.BigEndian.Uint32(b)) })
		case KindBCPLString:
			assign = append(assign, func() { *p.(*string) = string(b[1:]) })
		case KindBytes:
			assign = append(assign, func() { *p.(*[]byte) = append([]byte(nil), b...) })
		case KindString:
			assign = append(assign, func() { *p.(*string) = string(b) })
		}
		pos += size
	}

	for _, set := range assign {
		set()
	}
	return nil
}
