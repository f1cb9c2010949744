package session

import (
	"errors"
	"fmt"

	"github.com/ovpnkit/ovpnkit/internal/bytesx"
)

// randomFn mocks the function to generate random bytes.
var randomFn = bytesx.GenRandomBytes

// errRandomBytes is the error returned when we cannot generate random bytes.
var errRandomBytes = errors.New("error generating random bytes")

// KeySource contains random data to generate keys. All the fields live in
// scrubbing buffers and are wiped when the owning key is dropped.
type KeySource struct {
	r1        *bytesx.Secure
	r2        *bytesx.Secure
	preMaster *bytesx.Secure
}

// PreMaster returns a view of the pre-master bytes. Empty for a server
// key source.
func (k *KeySource) PreMaster() []byte {
	return k.preMaster.Bytes()
}

// R1 returns a view of the first random chunk.
func (k *KeySource) R1() []byte {
	return k.r1.Bytes()
}

// R2 returns a view of the second random chunk.
func (k *KeySource) R2() []byte {
	return k.r2.Bytes()
}

// Bytes returns the wire representation of a keySource: pre-master
// followed by the two random chunks. The returned buffer is owned by
// the caller and must be wiped after use.
func (k *KeySource) Bytes() *bytesx.Secure {
	buf := &bytesx.Secure{}
	buf.Append(k.preMaster.Bytes())
	buf.Append(k.r1.Bytes())
	buf.Append(k.r2.Bytes())
	return buf
}

// Wipe scrubs all the random material.
func (k *KeySource) Wipe() {
	k.r1.Wipe()
	k.r2.Wipe()
	k.preMaster.Wipe()
}

// NewKeySource constructs a new [KeySource] with fresh random material.
func NewKeySource() (*KeySource, error) {
	random1, err := randomFn(32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errRandomBytes, err.Error())
	}
	random2, err := randomFn(32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errRandomBytes, err.Error())
	}
	random3, err := randomFn(48)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errRandomBytes, err.Error())
	}
	ks := &KeySource{
		r1:        bytesx.NewSecure(random1),
		r2:        bytesx.NewSecure(random2),
		preMaster: bytesx.NewSecure(random3),
	}
	// scrub the transient slices returned by the random source
	for _, b := range [][]byte{random1, random2, random3} {
		for i := range b {
			b[i] = 0
		}
	}
	return ks, nil
}

// NewKeySourceFromRemote constructs a [KeySource] from the two random
// chunks received from the server. The server never shares a pre-master.
func NewKeySourceFromRemote(random1, random2 []byte) *KeySource {
	return &KeySource{
		r1:        bytesx.NewSecure(random1),
		r2:        bytesx.NewSecure(random2),
		preMaster: &bytesx.Secure{},
	}
}
