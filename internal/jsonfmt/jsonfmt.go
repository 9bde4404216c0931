// Package jsonfmt writes the exact JSON byte layout used by the on-disk ledger and
// snapshot files: spaced separators and ASCII-only string escaping.
package jsonfmt

import (
	"bytes"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// Field is a single key/value pair of an ordered object.
type Field struct {
	Key   string
	Value any // string, *string, int, or nil
}

// Line renders fields as a one-line object: {"a": 1, "b": "x"}.
func Line(fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		WriteString(&buf, f.Key)
		buf.WriteString(": ")
		writeValue(&buf, f.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Object is a keyed entry of an indented top-level object.
type Object struct {
	Key    string
	Fields []Field
}

// Indented renders a two-level object with two-space indentation and no trailing newline.
func Indented(objects []Object) []byte {
	if len(objects) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, obj := range objects {
		if i > 0 {
			buf.WriteString(",\n")
		}
		buf.WriteString("  ")
		WriteString(&buf, obj.Key)
		buf.WriteString(": ")
		if len(obj.Fields) == 0 {
			buf.WriteString("{}")
			continue
		}
		buf.WriteString("{\n")
		for j, f := range obj.Fields {
			if j > 0 {
				buf.WriteString(",\n")
			}
			buf.WriteString("    ")
			WriteString(&buf, f.Key)
			buf.WriteString(": ")
			writeValue(&buf, f.Value)
		}
		buf.WriteString("\n  }")
	}
	buf.WriteString("\n}")
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, value any) {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		WriteString(buf, v)
	case *string:
		if v == nil {
			buf.WriteString("null")
			return
		}
		WriteString(buf, *v)
	case int:
		buf.WriteString(strconv.Itoa(v))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	default:
		buf.WriteString("null")
	}
}

// WriteString writes s as a quoted JSON string with every non-ASCII rune escaped as
// \uXXXX (surrogate pairs above the BMP).
func WriteString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			default:
				if c < 0x20 || c == 0x7f {
					writeEscape(buf, rune(c))
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			writeEscape(buf, hi)
			writeEscape(buf, lo)
		} else {
			writeEscape(buf, r)
		}
		i += size
	}
	buf.WriteByte('"')
}

func writeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
