// Package plist implements the parenthesized property list used by the PUP
// File Transfer Protocol to describe files:
//
//	((Server-Filename TESTFILE.7)(Byte-Size 36))
//
// Property names are case-insensitive. Inside a value the apostrophe quotes
// the following character, so "Don't(!)Goof" is written Don''t'(!')Goof.
package plist

import (
	"errors"
	"fmt"
	"strings"
)

const quote = '\''

var (
	ErrMalformed   = errors.New("plist: malformed property list")
	ErrInvalidName = errors.New("plist: property name contains a space or parenthesis")
)

// SyntaxError describes where parsing stopped.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("plist: %s at offset %d", e.Reason, e.Offset)
}

func (e *SyntaxError) Is(target error) bool {
	return target == ErrMalformed
}

// PropertyList maps lowercased property names to their values. A name may
// carry several values; their order is kept.
type PropertyList struct {
	names  []string
	values map[string][]string
}

func New() *PropertyList {
	return &PropertyList{values: make(map[string][]string)}
}

// Parse reads a complete property list. Nothing may follow the closing
// parenthesis.
func Parse(s string) (*PropertyList, error) {
	pl, end, err := ParseAt(s, 0)
	if err != nil {
		return nil, err
	}
	if end != len(s) {
		return nil, &SyntaxError{Offset: end, Reason: "trailing characters after list"}
	}
	return pl, nil
}

// ParseAt reads one property list starting at s[start] and returns the offset
// just past its closing parenthesis. On error the returned list is nil.
func ParseAt(s string, start int) (*PropertyList, int, error) {
	pl := New()
	i := start

	if i >= len(s) || s[i] != '(' {
		return nil, i, &SyntaxError{Offset: i, Reason: "list must begin with a left parenthesis"}
	}
	i++

	for {
		if i >= len(s) {
			return nil, i, &SyntaxError{Offset: i, Reason: "list is missing its closing parenthesis"}
		}
		if s[i] == ')' {
			return pl, i + 1, nil
		}
		if s[i] != '(' {
			return nil, i, &SyntaxError{Offset: i, Reason: "property must begin with a left parenthesis"}
		}
		i++

		// Names are never quoted; they end at the first space.
		nameStart := i
		for i < len(s) && s[i] != ' ' {
			if s[i] == '(' || s[i] == ')' {
				return nil, i, &SyntaxError{Offset: i, Reason: "no space delimiter after property name"}
			}
			i++
		}
		if i >= len(s) {
			return nil, i, &SyntaxError{Offset: i, Reason: "no space delimiter after property name"}
		}
		name := s[nameStart:i]
		i++

		var value strings.Builder
		for {
			if i >= len(s) {
				return nil, i, &SyntaxError{Offset: i, Reason: "value is missing its closing parenthesis"}
			}
			c := s[i]
			if c == ')' {
				i++
				break
			}
			if c == quote {
				i++
				if i >= len(s) {
					return nil, i, &SyntaxError{Offset: i, Reason: "quote at end of input"}
				}
				c = s[i]
			}
			value.WriteByte(c)
			i++
		}

		pl.Add(name, value.String())
	}
}

// Contains reports whether name has at least one value.
func (pl *PropertyList) Contains(name string) bool {
	_, ok := pl.values[strings.ToLower(name)]
	return ok
}

// Value returns the first value of name.
func (pl *PropertyList) Value(name string) (string, bool) {
	v := pl.values[strings.ToLower(name)]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Values returns a copy of every value of name, or nil.
func (pl *PropertyList) Values(name string) []string {
	v, ok := pl.values[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return append([]string(nil), v...)
}

// Names are written unquoted, so they cannot hold the delimiters.
func checkName(name string) error {
	if strings.ContainsAny(name, " ()") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Set replaces all values of name with value.
func (pl *PropertyList) Set(name, value string) error {
	return pl.SetValues(name, []string{value})
}

// SetValues replaces all values of name. An empty slice removes the name.
func (pl *PropertyList) SetValues(name string, values []string) error {
	if err := checkName(name); err != nil {
		return err
	}
	key := strings.ToLower(name)
	if len(values) == 0 {
		pl.remove(key)
		return nil
	}
	if _, ok := pl.values[key]; !ok {
		pl.names = append(pl.names, key)
	}
	pl.values[key] = append([]string(nil), values...)
	return nil
}

// Add appends value to the values of name.
func (pl *PropertyList) Add(name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	key := strings.ToLower(name)
	if _, ok := pl.values[key]; !ok {
		pl.names = append(pl.names, key)
	}
	pl.values[key] = append(pl.values[key], value)
	return nil
}

func (pl *PropertyList) remove(key string) {
	if _, ok := pl.values[key]; !ok {
		return
	}
	delete(pl.values, key)
	for i, n := range pl.names {
		if n == key {
			pl.names = append(pl.names[:i], pl.names[i+1:]...)
			break
		}
	}
}

// Names returns the lowercased property names in insertion order.
func (pl *PropertyList) Names() []string {
	return append([]string(nil), pl.names...)
}

func (pl *PropertyList) Len() int {
	return len(pl.names)
}

// String renders the canonical text form.
func (pl *PropertyList) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, name := range pl.names {
		for _, v := range pl.values[name] {
			sb.WriteByte('(')
			sb.WriteString(name)
			sb.WriteByte(' ')
			writeEscaped(&sb, v)
			sb.WriteByte(')')
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

func writeEscaped(sb *strings.Builder, v string) {
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case quote, '(', ')':
			sb.WriteByte(quote)
		}
		sb.WriteByte(v[i])
	}
}
