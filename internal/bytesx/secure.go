package bytesx

//
// Secure is a growable byte buffer that guarantees its backing storage is
// overwritten with zeros when released. Every piece of secret material in
// this codebase (pre-master, randoms, derived keys, credentials) lives in
// one of these, never in a plain []byte that the runtime may reallocate
// and leave behind.
//

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
)

// Secure is a scrubbing byte buffer. The zero value is ready to use.
//
// Growing the buffer allocates a new backing array and zeroes the old one
// before abandoning it, so no secret byte is ever left in an unreachable
// allocation.
type Secure struct {
	buf []byte
}

// NewSecure returns a [Secure] buffer that copies the given bytes. The
// caller keeps ownership of b; if b itself holds secrets the caller is
// responsible for wiping it.
func NewSecure(b []byte) *Secure {
	s := &Secure{}
	s.Append(b)
	return s
}

// NewSecureRandom returns a [Secure] buffer filled with size random bytes.
func NewSecureRandom(size int) (*Secure, error) {
	b, err := GenRandomBytes(size)
	if err != nil {
		return nil, err
	}
	return &Secure{buf: b}, nil
}

// Len returns the number of bytes currently stored.
func (s *Secure) Len() int {
	return len(s.buf)
}

// Bytes returns a view of the stored bytes. The view is invalidated by any
// mutating call; callers must not retain it across mutations.
func (s *Secure) Bytes() []byte {
	return s.buf
}

// Append appends the given bytes, growing the buffer if needed.
func (s *Secure) Append(b []byte) {
	s.grow(len(s.buf) + len(b))
	s.buf = append(s.buf, b...)
}

// AppendSized appends a two-byte big-endian length followed by the bytes,
// which is the framing used by the OpenVPN key-method-2 message.
func (s *Secure) AppendSized(b []byte) {
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(len(b)))
	s.Append(lenbuf[:])
	s.Append(b)
}

// TruncateFront drops the first n bytes, zeroing them in place. The bytes
// past the logical end keep living in the same backing array until the
// next grow or [Secure.Wipe], already zeroed.
func (s *Secure) TruncateFront(n int) {
	if n > len(s.buf) {
		n = len(s.buf)
	}
	remaining := len(s.buf) - n
	copy(s.buf, s.buf[n:])
	tail := s.buf[remaining:]
	for i := range tail {
		tail[i] = 0
	}
	s.buf = s.buf[:remaining]
}

// Equal compares the contents with b in constant time.
func (s *Secure) Equal(b []byte) bool {
	return subtle.ConstantTimeCompare(s.buf, b) == 1
}

// Hex renders the contents as a hex string.
func (s *Secure) Hex() string {
	return hex.EncodeToString(s.buf)
}

// NullTerminatedString interprets the bytes starting at off as a
// null-terminated string and returns it together with the offset just past
// the terminator. The second return value is false when no terminator is
// found before the end of the buffer.
func (s *Secure) NullTerminatedString(off int) (string, int, bool) {
	for i := off; i < len(s.buf); i++ {
		if s.buf[i] == 0x00 {
			return string(s.buf[off:i]), i + 1, true
		}
	}
	return "", off, false
}

// Wipe zeroes every byte of the backing array, including bytes past the
// logical length, and resets the buffer to empty. Safe to call multiple
// times and on the zero value.
func (s *Secure) Wipe() {
	b := s.buf[:cap(s.buf)]
	for i := range b {
		b[i] = 0
	}
	s.buf = s.buf[:0]
}

// grow reallocates the backing array when the requested size exceeds the
// current capacity, wiping the old array before releasing it.
func (s *Secure) grow(size int) {
	if size <= cap(s.buf) {
		return
	}
	newcap := cap(s.buf) * 2
	if newcap < size {
		newcap = size
	}
	newbuf := make([]byte, len(s.buf), newcap)
	copy(newbuf, s.buf)
	old := s.buf[:cap(s.buf)]
	for i := range old {
		old[i] = 0
	}
	s.buf = newbuf
}
