// Package tlswrap implements the optional protection of the control
// channel: --tls-auth (pre-shared HMAC over every control packet) and
// --tls-crypt (AES-256-CTR encryption plus HMAC-SHA256).
//
// Both modes consume a 256-byte static key split into four 64-byte
// subkeys, in file order: encrypt key, decrypt key, encrypt-HMAC key,
// decrypt-HMAC key. Compatibility requires this exact layout.
//
// Wrapped control packets carry an extended header with a replay packet-id
// and a timestamp that must be monotonic.
package tlswrap

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

var (
	// ErrBadStaticKey means the pre-shared key has the wrong size.
	ErrBadStaticKey = errors.New("tlswrap: bad static key")

	// ErrBadWrap means a wrapped packet failed authentication.
	ErrBadWrap = errors.New("tlswrap: authentication failed")

	// ErrReplay means a wrapped packet failed the monotonicity checks.
	ErrReplay = errors.New("tlswrap: replayed control packet")

	// ErrTooShort means a wrapped packet is too short to unwrap.
	ErrTooShort = errors.New("tlswrap: packet too short")
)

// timeNow is a monkeypatchable clock for tests.
var timeNow = time.Now

// controlHeaderLen is opcode/key-id byte plus the 8-byte session id.
const controlHeaderLen = 1 + 8

// wrapExtraLen is the extended header: replay packet-id plus timestamp.
const wrapExtraLen = 4 + 4

// cryptTagLen is the HMAC-SHA256 tag length used by tls-crypt.
const cryptTagLen = sha256.Size

// Wrapper applies and removes the control-channel protection. The zero
// value is invalid; use [NewWrapper]. Concurrency safe.
type Wrapper struct {
	mode config.TLSWrapMode

	// subkeys, per the static key file layout.
	encryptKey     []byte
	decryptKey     []byte
	encryptHMACKey []byte
	decryptHMACKey []byte

	// hashFactory builds the HMAC digest: the configured auth for
	// tls-auth, always SHA256 for tls-crypt.
	hashFactory func() hash.Hash

	mu sync.Mutex

	// outPacketID is the replay id for outgoing wrapped packets.
	outPacketID model.PacketID

	// lastInPacketID is the highest replay id seen from the remote.
	lastInPacketID model.PacketID

	// lastInTimestamp is the last timestamp seen from the remote.
	lastInTimestamp uint32
}

// NewWrapper constructs a [Wrapper] for the given mode. The digest is only
// used in auth mode and must be one of the supported auth names.
func NewWrapper(mode config.TLSWrapMode, key []byte, digest string) (*Wrapper, error) {
	if len(key) != config.StaticKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadStaticKey, len(key))
	}
	w := &Wrapper{
		mode:           mode,
		encryptKey:     key[0:64],
		decryptKey:     key[64:128],
		encryptHMACKey: key[128:192],
		decryptHMACKey: key[192:256],
	}
	switch mode {
	case config.TLSWrapAuth:
		factory, ok := hashFactoryByName(digest)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported digest: %s", ErrBadStaticKey, digest)
		}
		w.hashFactory = factory
	case config.TLSWrapCrypt:
		w.hashFactory = sha256.New
	default:
		return nil, fmt.Errorf("%w: unsupported mode: %s", ErrBadStaticKey, mode)
	}
	return w, nil
}

func hashFactoryByName(name string) (func() hash.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha1":
		return sha1.New, true
	case "sha224":
		return sha256.New224, true
	case "sha256":
		return sha256.New, true
	case "sha384":
		return sha512.New384, true
	case "sha512":
		return sha512.New, true
	default:
		return nil, false
	}
}

// hmacSize returns the digest size of the configured HMAC.
func (w *Wrapper) hmacSize() int {
	return w.hashFactory().Size()
}

// sendHMAC builds the outgoing HMAC keyed with the digest-size prefix of
// the encrypt-HMAC subkey.
func (w *Wrapper) sendHMAC() hash.Hash {
	return hmac.New(w.hashFactory, w.encryptHMACKey[:w.hmacSize()])
}

// recvHMAC builds the incoming HMAC keyed with the digest-size prefix of
// the decrypt-HMAC subkey.
func (w *Wrapper) recvHMAC() hash.Hash {
	return hmac.New(w.hashFactory, w.decryptHMACKey[:w.hmacSize()])
}

// nextWrapHeader returns the serialized replay-id plus timestamp header
// for an outgoing packet.
func (w *Wrapper) nextWrapHeader() []byte {
	w.mu.Lock()
	w.outPacketID++
	pid := w.outPacketID
	w.mu.Unlock()
	hdr := make([]byte, wrapExtraLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(pid))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(timeNow().Unix()))
	return hdr
}

// checkInbound verifies the monotonicity of the extended header of an
// incoming wrapped packet.
func (w *Wrapper) checkInbound(extra []byte) error {
	pid := model.PacketID(binary.BigEndian.Uint32(extra[0:4]))
	timestamp := binary.BigEndian.Uint32(extra[4:8])
	w.mu.Lock()
	defer w.mu.Unlock()
	if pid <= w.lastInPacketID {
		return fmt.Errorf("%w: replay id %d not above %d", ErrReplay, pid, w.lastInPacketID)
	}
	if timestamp < w.lastInTimestamp {
		return fmt.Errorf("%w: timestamp went backwards", ErrReplay)
	}
	w.lastInPacketID = pid
	w.lastInTimestamp = timestamp
	return nil
}

// Wrap protects a serialized control packet. The input must start with the
// opcode/key-id byte followed by the local session id; the remainder is
// the usual ack array, packet id and payload.
func (w *Wrapper) Wrap(raw []byte) ([]byte, error) {
	if len(raw) < controlHeaderLen {
		return nil, ErrTooShort
	}
	head, rest := raw[:controlHeaderLen], raw[controlHeaderLen:]
	extra := w.nextWrapHeader()

	switch w.mode {
	case config.TLSWrapAuth:
		// mac = HMAC(extra || head || rest), transmitted between the
		// session id and the extended header.
		mac := w.sendHMAC()
		mac.Write(extra)
		mac.Write(head)
		mac.Write(rest)
		tag := mac.Sum(nil)

		out := &bytes.Buffer{}
		out.Write(head)
		out.Write(tag)
		out.Write(extra)
		out.Write(rest)
		return out.Bytes(), nil

	case config.TLSWrapCrypt:
		// tag = HMAC-SHA256(head || extra || plaintext); the tag also
		// seeds the CTR IV, SIV style.
		mac := w.sendHMAC()
		mac.Write(head)
		mac.Write(extra)
		mac.Write(rest)
		tag := mac.Sum(nil)

		ciphertext, err := w.ctr(w.encryptKey[:32], tag[:aes.BlockSize], rest)
		if err != nil {
			return nil, err
		}

		out := &bytes.Buffer{}
		out.Write(head)
		out.Write(extra)
		out.Write(tag)
		out.Write(ciphertext)
		return out.Bytes(), nil

	default:
		return raw, nil
	}
}

// Unwrap verifies (and, in crypt mode, decrypts) a wrapped control packet,
// returning the plain serialized control packet ready for parsing.
func (w *Wrapper) Unwrap(raw []byte) ([]byte, error) {
	if len(raw) < controlHeaderLen {
		return nil, ErrTooShort
	}
	head := raw[:controlHeaderLen]

	switch w.mode {
	case config.TLSWrapAuth:
		hmacLen := w.hmacSize()
		if len(raw) < controlHeaderLen+hmacLen+wrapExtraLen {
			return nil, ErrTooShort
		}
		tag := raw[controlHeaderLen : controlHeaderLen+hmacLen]
		extra := raw[controlHeaderLen+hmacLen : controlHeaderLen+hmacLen+wrapExtraLen]
		rest := raw[controlHeaderLen+hmacLen+wrapExtraLen:]

		mac := w.recvHMAC()
		mac.Write(extra)
		mac.Write(head)
		mac.Write(rest)
		if !hmac.Equal(mac.Sum(nil), tag) {
			return nil, ErrBadWrap
		}
		if err := w.checkInbound(extra); err != nil {
			return nil, err
		}
		return join(head, rest), nil

	case config.TLSWrapCrypt:
		if len(raw) < controlHeaderLen+wrapExtraLen+cryptTagLen {
			return nil, ErrTooShort
		}
		extra := raw[controlHeaderLen : controlHeaderLen+wrapExtraLen]
		tag := raw[controlHeaderLen+wrapExtraLen : controlHeaderLen+wrapExtraLen+cryptTagLen]
		ciphertext := raw[controlHeaderLen+wrapExtraLen+cryptTagLen:]

		rest, err := w.ctr(w.decryptKey[:32], tag[:aes.BlockSize], ciphertext)
		if err != nil {
			return nil, err
		}
		mac := w.recvHMAC()
		mac.Write(head)
		mac.Write(extra)
		mac.Write(rest)
		if !hmac.Equal(mac.Sum(nil), tag) {
			return nil, ErrBadWrap
		}
		if err := w.checkInbound(extra); err != nil {
			return nil, err
		}
		return join(head, rest), nil

	default:
		return raw, nil
	}
}

// ctr runs AES-CTR over src with the given key and IV. CTR is symmetric so
// this serves both directions.
func (w *Wrapper) ctr(key, iv, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return dst, nil
}

// Wipe scrubs the pre-shared key material. The four subkeys are views
// into the same backing array, so zeroing them wipes the whole key.
func (w *Wrapper) Wipe() {
	for _, k := range [][]byte{w.encryptKey, w.decryptKey, w.encryptHMACKey, w.decryptHMACKey} {
		for i := range k {
			k[i] = 0
		}
	}
}

func join(head, rest []byte) []byte {
	out := make([]byte, 0, len(head)+len(rest))
	out = append(out, head...)
	out = append(out, rest...)
	return out
}
