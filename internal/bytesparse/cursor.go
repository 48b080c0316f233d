// Package bytesparse provides bounds-checked, non-panicking accessors over a
// byte slice. It is the primitive the wire and packet layers build their
// decoders on: every accessor returns an explicit error instead of panicking
// on truncated input, and slices handed back are views into the original
// buffer, not copies.
package bytesparse

import (
	"encoding/binary"
	"fmt"
)

// UnexpectedEOFError is returned whenever a read needs more bytes than remain
// in the cursor.
type UnexpectedEOFError struct {
	Need int
	Had  int
}

func (e *UnexpectedEOFError) Error() string {
	return fmt.Sprintf("bytesparse: unexpected EOF: need %d bytes, had %d", e.Need, e.Had)
}

// UnterminatedStringError is returned by TrySplitNulTerminated when the
// remaining data does not contain a NUL byte.
type UnterminatedStringError struct{}

func (*UnterminatedStringError) Error() string {
	return "bytesparse: string is not NUL-terminated"
}

// Cursor is a mutable read position over a byte slice. It never copies: every
// returned slice aliases the backing array that was passed to New.
type Cursor struct {
	data []byte
}

// New wraps data in a Cursor that starts at offset 0.
func New(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int {
	return len(c.data)
}

// Remaining returns the unread tail of the cursor without consuming it.
func (c *Cursor) Remaining() []byte {
	return c.data
}

func (c *Cursor) need(n int) error {
	if len(c.data) < n {
		return &UnexpectedEOFError{Need: n, Had: len(c.data)}
	}
	return nil
}

// TryGetU8 consumes and returns one byte.
func (c *Cursor) TryGetU8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[0]
	c.data = c.data[1:]
	return v, nil
}

// TryGetU16 consumes and returns a big-endian uint16.
func (c *Cursor) TryGetU16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.data)
	c.data = c.data[2:]
	return v, nil
}

// TryGetU32 consumes and returns a big-endian uint32.
func (c *Cursor) TryGetU32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.data)
	c.data = c.data[4:]
	return v, nil
}

// TrySplitTo consumes and returns the next n bytes as a slice aliasing the
// cursor's backing array. No copy is made.
func (c *Cursor) TrySplitTo(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("bytesparse: negative split length %d", n)
	}
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.data[:n]
	c.data = c.data[n:]
	return v, nil
}

// TrySplitNulTerminated returns the bytes up to (but excluding) the next NUL
// byte and consumes that NUL along with them. The returned slice aliases the
// backing array.
func (c *Cursor) TrySplitNulTerminated() ([]byte, error) {
	for i, b := range c.data {
		if b == 0 {
			v := c.data[:i]
			c.data = c.data[i+1:]
			return v, nil
		}
	}
	return nil, &UnterminatedStringError{}
}

// TrySplitNulTerminatedStr is TrySplitNulTerminated with a string result.
func (c *Cursor) TrySplitNulTerminatedStr() (string, error) {
	b, err := c.TrySplitNulTerminated()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
