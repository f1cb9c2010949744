package tlssession

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/bytesx"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// buildServerReply crafts the fixed part of the server key-method-2
// message: header, key method, randoms, and the options string.
func buildServerReply(r1, r2 []byte, options string) []byte {
	out := &bytes.Buffer{}
	out.Write(controlMessageHeader)
	out.WriteByte(0x02)
	out.Write(r1)
	out.Write(r2)
	opt, _ := bytesx.EncodeOptionStringToBytes(options)
	out.Write(opt)
	return out.Bytes()
}

func testRandoms() ([]byte, []byte) {
	r1 := bytes.Repeat([]byte{0x01}, 32)
	r2 := bytes.Repeat([]byte{0x02}, 32)
	return r1, r2
}

func Test_Authenticator_ParsesReply(t *testing.T) {
	r1, r2 := testRandoms()
	reply := buildServerReply(r1, r2, "tun-mtu 1500,cipher AES-256-GCM")

	auth := newAuthenticator()
	parsed, messages, err := auth.feed(reply)
	if err != nil {
		t.Fatal(err)
	}
	if parsed == nil {
		t.Fatal("expected a parsed reply")
	}
	if len(messages) != 0 {
		t.Fatalf("unexpected messages: %v", messages)
	}
	if !bytes.Equal(parsed.remoteKey.R1(), r1) || !bytes.Equal(parsed.remoteKey.R2(), r2) {
		t.Fatal("server randoms not extracted")
	}
	if parsed.options != "tun-mtu 1500,cipher AES-256-GCM" {
		t.Fatalf("got options %q", parsed.options)
	}
}

func Test_Authenticator_IsReentrant(t *testing.T) {
	r1, r2 := testRandoms()
	reply := buildServerReply(r1, r2, "tun-mtu 1500")
	reply = append(reply, []byte("PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,peer-id 42\x00")...)

	auth := newAuthenticator()

	// feed the stream byte by byte: the reply must surface exactly once,
	// and the trailing message must surface complete
	var (
		gotReply    int
		gotMessages []string
	)
	for i := 0; i < len(reply); i++ {
		parsed, messages, err := auth.feed(reply[i : i+1])
		if err != nil {
			t.Fatal(err)
		}
		if parsed != nil {
			gotReply++
		}
		gotMessages = append(gotMessages, messages...)
	}
	if gotReply != 1 {
		t.Fatalf("reply surfaced %d times", gotReply)
	}
	if len(gotMessages) != 1 || !isPushReplyMessage(gotMessages[0]) {
		t.Fatalf("got messages %v", gotMessages)
	}
}

func Test_Authenticator_WrongPrefixIsFatal(t *testing.T) {
	auth := newAuthenticator()
	_, _, err := auth.feed([]byte{0xde, 0xad, 0xbe, 0xef, 0x02})
	if !errors.Is(err, ErrWrongControlDataPrefix) {
		t.Fatalf("got %v", err)
	}
}

func Test_Authenticator_AuthFailed(t *testing.T) {
	r1, r2 := testRandoms()
	reply := buildServerReply(r1, r2, "")
	reply = append(reply, []byte("AUTH_FAILED\x00")...)

	auth := newAuthenticator()
	_, messages, err := auth.feed(reply)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || !isAuthFailedMessage(messages[0]) {
		t.Fatalf("got %v", messages)
	}
}

func Test_encodeClientControlMessage(t *testing.T) {
	opts := &config.OpenVPNOptions{
		Cipher:   "AES-128-CBC",
		Auth:     "SHA1",
		Username: "user",
		Password: "pass",
	}
	ks := newTestKeySource(t)
	msg, err := encodeClientControlMessageAsBytes(ks, opts, "")
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Wipe()
	raw := msg.Bytes()

	if !bytes.Equal(raw[:4], controlMessageHeader) {
		t.Fatal("missing header")
	}
	if raw[4] != 0x02 {
		t.Fatal("missing key method")
	}
	// header + key method + 48 pre-master + 2x32 randoms
	if len(raw) < 5+112 {
		t.Fatal("message too short")
	}
	if !bytes.Contains(raw, []byte("user")) || !bytes.Contains(raw, []byte("pass")) {
		t.Fatal("credentials not encoded")
	}
	if !bytes.Contains(raw, []byte("IV_PROTO")) {
		t.Fatal("peer info not encoded")
	}
}

func Test_encodeClientControlMessage_AuthToken(t *testing.T) {
	opts := &config.OpenVPNOptions{
		Cipher:   "AES-128-CBC",
		Auth:     "SHA1",
		Username: "user",
		Password: "pass",
	}
	ks := newTestKeySource(t)
	msg, err := encodeClientControlMessageAsBytes(ks, opts, "token-123")
	if err != nil {
		t.Fatal(err)
	}
	defer msg.Wipe()
	if !bytes.Contains(msg.Bytes(), []byte("token-123")) {
		t.Fatal("auth token must replace the password")
	}
	if bytes.Contains(msg.Bytes(), []byte("pass")) {
		t.Fatal("literal password must not be sent on renegotiation")
	}
}

func Test_parseServerPushReply(t *testing.T) {
	msg := "PUSH_REPLY,route 10.8.0.1,ifconfig 10.8.0.2 255.255.255.0," +
		"peer-id 42,cipher AES-256-GCM,ping 10,ping-restart 120,auth-token tok"
	ti, err := parseServerPushReply(log.Log, msg)
	if err != nil {
		t.Fatal(err)
	}
	if ti.IP != "10.8.0.2" || ti.NetMask != "255.255.255.0" || ti.GW != "10.8.0.1" {
		t.Fatalf("bad addressing: %+v", ti)
	}
	if ti.PeerID != 42 || !ti.HasPeerID() {
		t.Fatalf("bad peer id: %d", ti.PeerID)
	}
	if ti.Cipher != "AES-256-GCM" {
		t.Fatalf("bad cipher: %s", ti.Cipher)
	}
	if ti.PingInterval != 10 || ti.PingTimeout != 120 {
		t.Fatalf("bad timers: %+v", ti)
	}
	if ti.AuthToken != "tok" {
		t.Fatalf("bad token: %s", ti.AuthToken)
	}
}

func Test_parseServerPushReply_NoPeerID(t *testing.T) {
	ti, err := parseServerPushReply(log.Log, "PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	if ti.HasPeerID() {
		t.Fatal("peer id must be unassigned")
	}
}

func Test_parseServerPushReply_Rejects(t *testing.T) {
	if _, err := parseServerPushReply(log.Log, "NOT_A_REPLY"); err == nil {
		t.Fatal("expected error")
	}
}
