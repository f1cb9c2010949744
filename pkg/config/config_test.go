package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, lines []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ovpn")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// testStaticKeyPEM renders a deterministic 256-byte static key in the
// OpenVPN PEM-like format.
func testStaticKeyPEM(t *testing.T) []string {
	t.Helper()
	key := make([]byte, StaticKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	body := hex.EncodeToString(key)
	lines := []string{"-----BEGIN OpenVPN Static key V1-----"}
	for i := 0; i < len(body); i += 32 {
		lines = append(lines, body[i:i+32])
	}
	lines = append(lines, "-----END OpenVPN Static key V1-----")
	return lines
}

func Test_ReadConfigFile_Common(t *testing.T) {
	dir := t.TempDir()
	credsPath := filepath.Join(dir, "creds.txt")
	if err := os.WriteFile(credsPath, []byte("user\npass\n"), 0600); err != nil {
		t.Fatal(err)
	}

	lines := []string{
		"client",
		"# a comment",
		"remote 203.0.113.5 1194",
		"proto udp",
		"cipher AES-256-GCM",
		"auth SHA256",
		"keepalive 10 60",
		"reneg-sec 3600",
		"auth-user-pass " + credsPath,
		"<ca>",
		"-----BEGIN CERTIFICATE-----",
		"aGVsbG8=",
		"-----END CERTIFICATE-----",
		"</ca>",
	}
	path := writeTestConfig(t, lines)
	o, err := ReadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if o.Remote != "203.0.113.5" || o.Port != "1194" {
		t.Fatalf("bad remote: %s:%s", o.Remote, o.Port)
	}
	if o.Proto != ProtoUDP {
		t.Fatalf("bad proto: %s", o.Proto)
	}
	if o.Cipher != "AES-256-GCM" || o.Auth != "SHA256" {
		t.Fatalf("bad crypto: %s %s", o.Cipher, o.Auth)
	}
	if o.KeepAlive != 10 || o.PingTimeout != 60 {
		t.Fatalf("bad keepalive: %d %d", o.KeepAlive, o.PingTimeout)
	}
	if o.RenegotiateAfter != 3600 {
		t.Fatalf("bad reneg: %d", o.RenegotiateAfter)
	}
	if o.Username != "user" || o.Password != "pass" {
		t.Fatal("bad credentials")
	}
	if len(o.CA) == 0 {
		t.Fatal("missing inline ca")
	}
	if !o.HasAuthInfo() {
		t.Fatal("expected auth info")
	}
}

func Test_ReadConfigFile_TLSCryptInline(t *testing.T) {
	lines := []string{
		"remote 203.0.113.5 1194",
		"cipher AES-256-CBC",
		"auth SHA1",
		"<tls-crypt>",
	}
	lines = append(lines, testStaticKeyPEM(t)...)
	lines = append(lines, "</tls-crypt>")

	path := writeTestConfig(t, lines)
	o, err := ReadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if o.TLSWrapMode != TLSWrapCrypt {
		t.Fatalf("bad wrap mode: %s", o.TLSWrapMode)
	}
	if len(o.TLSWrapKey) != StaticKeySize {
		t.Fatalf("bad wrap key size: %d", len(o.TLSWrapKey))
	}
}

func Test_ReadConfigFile_RejectsUnknownOption(t *testing.T) {
	path := writeTestConfig(t, []string{"frobnicate yes"})
	if _, err := ReadConfigFile(path); !errors.Is(err, ErrBadConfig) {
		t.Fatal("expected bad config error")
	}
}

func Test_ReadConfigFile_RejectsActiveCompression(t *testing.T) {
	path := writeTestConfig(t, []string{"comp-lzo yes"})
	if _, err := ReadConfigFile(path); !errors.Is(err, ErrBadConfig) {
		t.Fatal("expected bad config error")
	}
}

func Test_ParseStaticKeyPEM_Rejects(t *testing.T) {
	if _, err := ParseStaticKeyPEM([]byte("garbage")); !errors.Is(err, ErrBadConfig) {
		t.Fatal("expected error for missing markers")
	}
	short := "-----BEGIN OpenVPN Static key V1-----\nabcd\n-----END OpenVPN Static key V1-----\n"
	if _, err := ParseStaticKeyPEM([]byte(short)); !errors.Is(err, ErrBadConfig) {
		t.Fatal("expected error for short key")
	}
}

func Test_ServerOptionsString(t *testing.T) {
	o := &OpenVPNOptions{
		Cipher:   "AES-128-CBC",
		Auth:     "SHA1",
		Proto:    ProtoUDP,
		Compress: CompressionEmpty,
	}
	s := o.ServerOptionsString()
	for _, want := range []string{"V4,", "cipher AES-128-CBC", "auth SHA1", "keysize 128", "proto UDPv4"} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in %q", want, s)
		}
	}

	o.Compress = CompressionStub
	if !strings.Contains(o.ServerOptionsString(), "compress stub") {
		t.Fatal("missing compress stub")
	}

	o.Cipher = ""
	if o.ServerOptionsString() != "" {
		t.Fatal("expected empty string without cipher")
	}
}

func Test_NewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.NegotiationTimeout() != DefaultNegotiationTimeout {
		t.Fatal("bad negotiation timeout default")
	}
	if cfg.PingTimeout() != DefaultPingTimeout {
		t.Fatal("bad ping timeout default")
	}
	if cfg.Logger() == nil {
		t.Fatal("expected a default logger")
	}
}

func Test_Config_Remote(t *testing.T) {
	cfg := NewConfig(WithOpenVPNOptions(&OpenVPNOptions{
		Remote: "203.0.113.5",
		Port:   "1194",
		Proto:  ProtoUDP,
	}))
	r := cfg.Remote()
	if r.Endpoint != "203.0.113.5:1194" || r.Protocol != "udp" {
		t.Fatalf("bad remote: %+v", r)
	}
}
