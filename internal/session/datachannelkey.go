package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDataChannelKey is a [DataChannelKey] error.
	ErrDataChannelKey = errors.New("bad data-channel key")
)

// DataChannelKey represents a pair of key sources that have been negotiated
// over the control channel, and from which we will derive local and remote
// keys for encryption and decryption over the data channel. The id is the
// short key_id that is passed in the lower 3 bits of a packet header.
//
// The lifecycle is: created at each (re)negotiation, becomes current when
// the data channel derives keys from it, then retained as old for one more
// generation so that late in-flight packets can still be decrypted, and
// finally wiped.
type DataChannelKey struct {
	id        uint8
	ready     bool
	softReset bool
	startTime time.Time
	local     *KeySource
	remote    *KeySource
	mu        sync.Mutex
}

// ID returns the key id (0-7) for this key.
func (dck *DataChannelKey) ID() uint8 {
	return dck.id
}

// StartTime returns the moment this key started negotiating.
func (dck *DataChannelKey) StartTime() time.Time {
	return dck.startTime
}

// IsSoftReset returns whether this key comes from a soft renegotiation.
func (dck *DataChannelKey) IsSoftReset() bool {
	return dck.softReset
}

// Local returns the local [KeySource].
func (dck *DataChannelKey) Local() *KeySource {
	return dck.local
}

// Remote returns the remote [KeySource].
func (dck *DataChannelKey) Remote() *KeySource {
	return dck.remote
}

// AddRemoteKey adds the server keySource to our dataChannelKey. This makes
// the dataChannelKey ready to be used.
func (dck *DataChannelKey) AddRemoteKey(k *KeySource) error {
	dck.mu.Lock()
	defer dck.mu.Unlock()
	if dck.ready {
		return fmt.Errorf("%w: %s", ErrDataChannelKey, "cannot overwrite remote key slot")
	}
	dck.remote = k
	dck.ready = true
	return nil
}

// Ready returns whether the [DataChannelKey] is ready.
func (dck *DataChannelKey) Ready() bool {
	dck.mu.Lock()
	defer dck.mu.Unlock()
	return dck.ready
}

// Wipe scrubs all the key material held by this key.
func (dck *DataChannelKey) Wipe() {
	dck.mu.Lock()
	defer dck.mu.Unlock()
	if dck.local != nil {
		dck.local.Wipe()
	}
	if dck.remote != nil {
		dck.remote.Wipe()
	}
	dck.ready = false
}
