package datachannel

import (
	"bytes"
	"errors"
	"testing"
)

func Test_Prf_MatchesKnownVector(t *testing.T) {
	expected := []byte{
		0x67, 0x18, 0x7c, 0x52, 0xac, 0xd2, 0x4d, 0x95,
		0x9a, 0x55, 0xd3, 0x1c, 0xdb, 0x97, 0x80, 0x11}
	secret := []byte("secret")
	label := []byte("master key")
	cseed := []byte("aaa")
	sseed := []byte("bbb")
	out := prf(secret, label, cseed, sseed, []byte{}, []byte{}, 16)
	if !bytes.Equal(out, expected) {
		t.Errorf("Bad output in prf call: %v", out)
	}
}

func Test_Prf_IsDeterministic(t *testing.T) {
	secret := []byte("012345678901234567890123456789012345678901234567")
	cseed := []byte("01234567890123456789012345678901")
	sseed := []byte("10987654321098765432109876543210")
	csid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ssid := []byte{8, 7, 6, 5, 4, 3, 2, 1}

	one := prf(secret, []byte("OpenVPN key expansion"), cseed, sseed, csid, ssid, 256)
	two := prf(secret, []byte("OpenVPN key expansion"), cseed, sseed, csid, ssid, 256)
	if !bytes.Equal(one, two) {
		t.Fatal("prf must be deterministic")
	}
	if len(one) != 256 {
		t.Fatalf("got %d bytes", len(one))
	}

	// changing any input changes the output
	other := prf(secret, []byte("OpenVPN key expansion"), cseed, sseed, ssid, csid, 256)
	if bytes.Equal(one, other) {
		t.Fatal("prf must depend on the session ids")
	}
}

func Test_newDataCipherFromCipherSuite(t *testing.T) {
	tests := []struct {
		suite    string
		wantAEAD bool
		wantKSB  int
		wantErr  error
	}{
		{"AES-128-CBC", false, 16, nil},
		{"AES-192-CBC", false, 24, nil},
		{"AES-256-CBC", false, 32, nil},
		{"AES-128-GCM", true, 16, nil},
		{"AES-192-GCM", true, 24, nil},
		{"AES-256-GCM", true, 32, nil},
		{"CHACHA20-POLY1305", false, 0, errUnsupportedCipher},
	}
	for _, tt := range tests {
		t.Run(tt.suite, func(t *testing.T) {
			c, err := newDataCipherFromCipherSuite(tt.suite)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				return
			}
			if c.isAEAD() != tt.wantAEAD {
				t.Fatal("wrong AEAD flag")
			}
			if c.keySizeBytes() != tt.wantKSB {
				t.Fatalf("got key size %d", c.keySizeBytes())
			}
		})
	}
}

func Test_dataCipherAES_CBC_RoundTrip(t *testing.T) {
	c, err := newDataCipher(cipherNameAES, 128, cipherModeCBC)
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x11}, 64)
	iv := bytes.Repeat([]byte{0x22}, 16)
	plaintext := []byte("a plaintext that is not block aligned")

	// encrypt expects a PKCS#7-padded input; decrypt unpads internally
	padded, err := doPadding(plaintext, "", c.blockSize())
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := c.encrypt(key, &plaintextData{iv: iv, plaintext: padded})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.decrypt(key, &encryptedData{iv: iv, ciphertext: ciphertext})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q", got)
	}
}

func Test_dataCipherAES_GCM_RoundTrip(t *testing.T) {
	c, err := newDataCipher(cipherNameAES, 256, cipherModeGCM)
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x42}, 64)
	iv := bytes.Repeat([]byte{0x07}, 12)
	aead := []byte{0x00, 0x01, 0x02, 0x03}
	plaintext := []byte("attack at dawn")

	ciphertext, err := c.encrypt(key, &plaintextData{iv: iv, plaintext: plaintext, aead: aead})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.decrypt(key, &encryptedData{iv: iv, ciphertext: ciphertext, aead: aead})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q", got)
	}

	// tampering with the additional data must break the tag
	badAEAD := []byte{0xff, 0x01, 0x02, 0x03}
	if _, err := c.decrypt(key, &encryptedData{iv: iv, ciphertext: ciphertext, aead: badAEAD}); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func Test_dataCipher_RejectsShortKey(t *testing.T) {
	c, err := newDataCipher(cipherNameAES, 256, cipherModeGCM)
	if err != nil {
		t.Fatal(err)
	}
	shortKey := []byte{0x01, 0x02}
	if _, err := c.encrypt(shortKey, &plaintextData{}); !errors.Is(err, errInvalidKeySize) {
		t.Fatal("expected invalid key size")
	}
	if _, err := c.decrypt(shortKey, &encryptedData{}); !errors.Is(err, errInvalidKeySize) {
		t.Fatal("expected invalid key size")
	}
}

func Test_newHMACFactory(t *testing.T) {
	for _, name := range []string{"sha1", "SHA1", "sha224", "sha256", "sha384", "sha512"} {
		factory, ok := newHMACFactory(name)
		if !ok || factory == nil {
			t.Fatalf("expected factory for %s", name)
		}
	}
	if _, ok := newHMACFactory("md4"); ok {
		t.Fatal("md4 must not be supported")
	}
}
