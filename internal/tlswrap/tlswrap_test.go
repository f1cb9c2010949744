package tlswrap

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// makeStaticKey returns a deterministic 256-byte static key.
func makeStaticKey() []byte {
	key := make([]byte, config.StaticKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// makeControlPacket returns a minimal serialized control packet: the
// opcode/key-id byte, a session id, a zero ack length and a packet id.
func makeControlPacket() []byte {
	return []byte{
		0x38,                                           // P_CONTROL_HARD_RESET_CLIENT_V2, key 0
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // session id
		0x00,                   // no acks
		0x00, 0x00, 0x00, 0x00, // packet id
	}
}

func Test_NewWrapper_Validation(t *testing.T) {
	if _, err := NewWrapper(config.TLSWrapAuth, []byte{0x00}, "SHA1"); !errors.Is(err, ErrBadStaticKey) {
		t.Fatal("expected bad static key error")
	}
	if _, err := NewWrapper(config.TLSWrapAuth, makeStaticKey(), "MD4"); !errors.Is(err, ErrBadStaticKey) {
		t.Fatal("expected bad digest error")
	}
	if _, err := NewWrapper(config.TLSWrapNone, makeStaticKey(), "SHA1"); !errors.Is(err, ErrBadStaticKey) {
		t.Fatal("expected bad mode error")
	}
}

// symmetricPair builds a pair of wrappers where the second one's receive
// keys are the first one's send keys, mimicking the two peers of a
// session with the same static key file but mirrored directions.
func symmetricPair(t *testing.T, mode config.TLSWrapMode, digest string) (*Wrapper, *Wrapper) {
	t.Helper()
	key := makeStaticKey()
	sender, err := NewWrapper(mode, key, digest)
	if err != nil {
		t.Fatal(err)
	}
	// the receiver decrypts with the peer's encrypt subkeys
	mirrored := make([]byte, config.StaticKeySize)
	copy(mirrored[0:64], key[64:128])    // encrypt <- decrypt
	copy(mirrored[64:128], key[0:64])    // decrypt <- encrypt
	copy(mirrored[128:192], key[192:256]) // hmac-enc <- hmac-dec
	copy(mirrored[192:256], key[128:192]) // hmac-dec <- hmac-enc
	receiver, err := NewWrapper(mode, mirrored, digest)
	if err != nil {
		t.Fatal(err)
	}
	return sender, receiver
}

func Test_Wrap_Unwrap_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		mode   config.TLSWrapMode
		digest string
	}{
		{config.TLSWrapAuth, "SHA1"},
		{config.TLSWrapAuth, "SHA256"},
		{config.TLSWrapAuth, "SHA512"},
		{config.TLSWrapCrypt, "SHA256"},
	} {
		t.Run(string(tc.mode)+"-"+tc.digest, func(t *testing.T) {
			sender, receiver := symmetricPair(t, tc.mode, tc.digest)
			raw := makeControlPacket()

			wrapped, err := sender.Wrap(raw)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Equal(wrapped, raw) {
				t.Fatal("wrap must change the packet")
			}
			// the opcode/session header stays in the clear
			if !bytes.Equal(wrapped[:9], raw[:9]) {
				t.Fatal("wrap must preserve the packet header")
			}

			got, err := receiver.Unwrap(wrapped)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, raw) {
				t.Fatalf("round trip failed: got %x, want %x", got, raw)
			}
		})
	}
}

func Test_Unwrap_RejectsTampering(t *testing.T) {
	for _, mode := range []config.TLSWrapMode{config.TLSWrapAuth, config.TLSWrapCrypt} {
		sender, receiver := symmetricPair(t, mode, "SHA256")
		wrapped, err := sender.Wrap(makeControlPacket())
		if err != nil {
			t.Fatal(err)
		}
		// flip one bit in the last byte
		wrapped[len(wrapped)-1] ^= 0x01
		if _, err := receiver.Unwrap(wrapped); err == nil {
			t.Fatalf("%s: expected authentication failure", mode)
		}
	}
}

func Test_Unwrap_RejectsReplay(t *testing.T) {
	sender, receiver := symmetricPair(t, config.TLSWrapCrypt, "SHA256")
	wrapped, err := sender.Wrap(makeControlPacket())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Unwrap(wrapped); err != nil {
		t.Fatal(err)
	}
	// an identical copy must be rejected: the replay id is not monotonic
	if _, err := receiver.Unwrap(wrapped); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay error, got %v", err)
	}
}

func Test_Unwrap_RejectsBackwardsTimestamp(t *testing.T) {
	sender, receiver := symmetricPair(t, config.TLSWrapAuth, "SHA1")

	saved := timeNow
	defer func() { timeNow = saved }()

	timeNow = func() time.Time { return time.Unix(1000, 0) }
	first, err := sender.Wrap(makeControlPacket())
	if err != nil {
		t.Fatal(err)
	}
	timeNow = func() time.Time { return time.Unix(500, 0) }
	second, err := sender.Wrap(makeControlPacket())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := receiver.Unwrap(first); err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Unwrap(second); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected replay error, got %v", err)
	}
}

func Test_Unwrap_TooShort(t *testing.T) {
	_, receiver := symmetricPair(t, config.TLSWrapCrypt, "SHA256")
	if _, err := receiver.Unwrap([]byte{0x38, 0x01}); !errors.Is(err, ErrTooShort) {
		t.Fatal("expected too-short error")
	}
}
