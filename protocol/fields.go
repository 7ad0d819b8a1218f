package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Separator splits the fields of multi-field payloads.
const Separator = 0x00

// TimeLayout is the ISO-8601 UTC form used for every timestamp on the wire.
// FormatTime widens the year past four digits when needed.
const TimeLayout = "2006-01-02T15:04:05Z"

// JoinFields builds a NUL-separated payload.
func JoinFields(fields ...string) []byte {
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		buf.WriteString(f)
	}
	return buf.Bytes()
}

// SplitFields splits payload into exactly n fields. The last field keeps
// any separators it contains.
func SplitFields(payload []byte, n int) ([]string, error) {
	parts := bytes.SplitN(payload, []byte{Separator}, n)
	if len(parts) != n {
		return nil, fmt.Errorf("%w: want %d fields, got %d", ErrBadRequest, n, len(parts))
	}
	return toStrings(parts), nil
}

// SplitFieldsMin splits payload on every separator and requires at least
// min fields.
func SplitFieldsMin(payload []byte, min int) ([]string, error) {
	parts := bytes.Split(payload, []byte{Separator})
	if len(parts) < min {
		return nil, fmt.Errorf("%w: want at least %d fields, got %d", ErrBadRequest, min, len(parts))
	}
	return toStrings(parts), nil
}

// SplitList splits a NUL-joined id list. An empty payload is an empty list.
func SplitList(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	return toStrings(bytes.Split(payload, []byte{Separator}))
}

func toStrings(parts [][]byte) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// FormatTime renders t as YYYY-MM-DDTHH:MM:SSZ in UTC. Years outside
// 0000..9999 keep at least four digits and a leading minus when negative,
// e.g. 10000-01-01T00:00:00Z or -0001-12-31T23:59:59Z.
func FormatTime(t time.Time) string {
	t = t.UTC()
	return formatYear(t.Year()) + t.Format(clockLayout)
}

// ParseTime is the inverse of FormatTime; it reproduces the exact epoch
// second. Non-canonical years such as 00010 or +2011 are rejected.
func ParseTime(s string) (time.Time, error) {
	i := 0
	if strings.HasPrefix(s, "-") {
		i = 1
	}
	end := strings.IndexByte(s[i:], '-')
	if end <= 0 {
		return time.Time{}, fmt.Errorf("parse time %q: missing year", s)
	}
	end += i
	year, err := strconv.Atoi(s[:end])
	if err != nil || formatYear(year) != s[:end] {
		return time.Time{}, fmt.Errorf("parse time %q: bad year", s)
	}
	clock, err := time.Parse(clockLayout, s[end:])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	t := time.Date(year, clock.Month(), clock.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
	if t.Day() != clock.Day() {
		return time.Time{}, fmt.Errorf("parse time %q: day out of range", s)
	}
	return t, nil
}

// clockLayout is TimeLayout without the year.
const clockLayout = "-01-02T15:04:05Z"

func formatYear(y int) string {
	if y < 0 {
		return fmt.Sprintf("-%04d", -y)
	}
	return fmt.Sprintf("%04d", y)
}

// PutLen appends an 8-byte big-endian length header to dst.
func PutLen(dst []byte, n int) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(n))
}

// Cursor reads a byte slice front to back and remembers its position.
type Cursor struct {
	buf []byte
	pos int
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Remaining reports how many unread bytes are left.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

func (c *Cursor) Byte() (byte, bool) {
	if c.pos >= len(c.buf) {
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	return b, true
}

// Until returns the bytes up to the next occurrence of delim and skips the
// delimiter itself. ok is false if delim never occurs.
func (c *Cursor) Until(delim byte) (string, bool) {
	i := bytes.IndexByte(c.buf[c.pos:], delim)
	if i < 0 {
		return "", false
	}
	s := string(c.buf[c.pos : c.pos+i])
	c.pos += i + 1
	return s, true
}

// Len reads an 8-byte length header.
func (c *Cursor) Len() (uint64, bool) {
	if c.Remaining() < LenHeaderSize {
		return 0, false
	}
	n := binary.BigEndian.Uint64(c.buf[c.pos : c.pos+LenHeaderSize])
	c.pos += LenHeaderSize
	return n, true
}

func (c *Cursor) Next(n uint64) ([]byte, bool) {
	if uint64(c.Remaining()) < n {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, true
}

// Rest returns everything not yet read.
func (c *Cursor) Rest() []byte {
	b := c.buf[c.pos:]
	c.pos = len(c.buf)
	return b
}
