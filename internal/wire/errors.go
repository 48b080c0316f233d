package wire

import "fmt"

// FrameTooLargeError is returned by the codec when an encoded or decoded
// frame's length would exceed the configured cap.
type FrameTooLargeError struct {
	Len uint32
	Cap uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds cap of %d bytes", e.Len, e.Cap)
}

// FrameEmptyError is returned when a frame's length prefix is zero.
type FrameEmptyError struct{}

func (*FrameEmptyError) Error() string { return "wire: frame with zero length" }
