package tlssession

//
// The functions in this file deal with control messages. These control
// messages are sent and received over the TLS session once we've gotten one
// established.
//
// The control **channel** below us deals with serializing and
// deserializing them; what we receive at this stage are the cleartext
// payloads obtained after decrypting an application data TLS record.
//

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ovpnkit/ovpnkit/internal/bytesx"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// controlMessageHeader is the four-byte all-zero prefix of every
// key-method-2 message.
var controlMessageHeader = []byte{0x00, 0x00, 0x00, 0x00}

const ivVer = "2.5.5" // OpenVPN version compat that we declare to the server
const ivProto = "2"   // IV_PROTO declared to the server. We need to be sure to enable the peer-id bit to use P_DATA_V2.

// encodeClientControlMessageAsBytes returns the payload for the key-material
// message that the client sends to the server: key method, random
// material, local options, credentials and peer info. The assembly happens
// inside a scrubbing buffer because it contains the pre-master.
//
// When authToken is not empty it takes the place of the password: the
// server handed it to us in a previous push reply precisely so that
// renegotiations do not need the literal credentials again.
func encodeClientControlMessageAsBytes(k *session.KeySource, o *config.OpenVPNOptions, authToken string) (*bytesx.Secure, error) {
	opt, err := bytesx.EncodeOptionStringToBytes(o.ServerOptionsString())
	if err != nil {
		return nil, err
	}
	username, password := o.Username, o.Password
	if authToken != "" {
		password = authToken
	}
	user, err := bytesx.EncodeOptionStringToBytes(username)
	if err != nil {
		return nil, err
	}
	pass, err := bytesx.EncodeOptionStringToBytes(password)
	if err != nil {
		return nil, err
	}

	out := &bytesx.Secure{}
	out.Append(controlMessageHeader)
	out.Append([]byte{0x02}) // key method (2)
	keyBytes := k.Bytes()
	out.Append(keyBytes.Bytes())
	keyBytes.Wipe()
	out.Append(opt)
	out.Append(user)
	out.Append(pass)

	// we could send IV_PLAT too, but declaring the platform does not
	// make any difference for our purposes.
	rawInfo := fmt.Sprintf("IV_VER=%s\nIV_PROTO=%s\n", ivVer, ivProto)
	peerInfo, _ := bytesx.EncodeOptionStringToBytes(rawInfo)
	out.Append(peerInfo)
	return out, nil
}

// ErrWrongControlDataPrefix indicates the key-method-2 message prefix
// bytes did not match. This is fatal for the session.
var ErrWrongControlDataPrefix = errors.New("wrong control data prefix")

// errShortControlMessage indicates we need more TLS plaintext before the
// fixed part of the message can be parsed.
var errShortControlMessage = errors.New("short control message")

// errBadKeyMethod indicates we don't support a key method.
var errBadKeyMethod = errors.New("unsupported key method")

// authReply is what the server sends inside the fixed part of its
// key-method-2 message.
type authReply struct {
	// remoteKey is the server's random material.
	remoteKey *session.KeySource

	// options is the server options string.
	options string
}

// authenticator accumulates the TLS plaintext the server sends after the
// handshake and incrementally parses it: first the fixed key-method-2
// reply (server randoms + server options), then a stream of
// null-terminated control messages (AUTH_FAILED, PUSH_REPLY, ...).
//
// The parser is re-entrant: feed it every chunk read from the TLS
// session, in order, and it will surface the reply exactly once.
type authenticator struct {
	buf        *bytesx.Secure
	gotReply   bool
	skipHeader bool
}

// newAuthenticator returns a ready-to-use authenticator.
func newAuthenticator() *authenticator {
	return &authenticator{buf: &bytesx.Secure{}}
}

// feed appends data and returns the parsed reply (once), plus any complete
// control messages. It returns [ErrWrongControlDataPrefix] when the header
// does not match, which callers treat as fatal.
func (a *authenticator) feed(data []byte) (*authReply, []string, error) {
	a.buf.Append(data)

	var reply *authReply
	if !a.gotReply {
		parsed, err := a.parseReply()
		switch {
		case errors.Is(err, errShortControlMessage):
			return nil, nil, nil
		case err != nil:
			return nil, nil, err
		}
		a.gotReply = true
		reply = parsed
	}

	return reply, a.drainMessages(), nil
}

// parseReply parses the fixed part of the server reply, consuming it from
// the accumulation buffer on success.
func (a *authenticator) parseReply() (*authReply, error) {
	raw := a.buf.Bytes()
	if len(raw) < 4 {
		return nil, errShortControlMessage
	}
	if !bytes.Equal(raw[:4], controlMessageHeader) {
		return nil, ErrWrongControlDataPrefix
	}
	// header (4) + key method (1) + randoms (64) + options length (2)
	if len(raw) < 71 {
		return nil, errShortControlMessage
	}
	keyMethod := raw[4]
	if keyMethod != 2 {
		return nil, fmt.Errorf("%w: %d", errBadKeyMethod, keyMethod)
	}
	options, err := bytesx.DecodeOptionStringFromBytes(raw[69:])
	if err != nil {
		return nil, errShortControlMessage
	}

	remoteKey := session.NewKeySourceFromRemote(raw[5:37], raw[37:69])

	// consume: header, key method, randoms, and the sized options string
	consumed := 69 + 2 + int(uint16(raw[69])<<8|uint16(raw[70]))
	if consumed > a.buf.Len() {
		consumed = a.buf.Len()
	}
	a.buf.TruncateFront(consumed)

	return &authReply{remoteKey: remoteKey, options: options}, nil
}

// drainMessages consumes and returns every complete null-terminated
// message sitting in the accumulation buffer.
func (a *authenticator) drainMessages() []string {
	var messages []string
	for {
		msg, next, ok := a.buf.NullTerminatedString(0)
		if !ok {
			return messages
		}
		a.buf.TruncateFront(next)
		if msg != "" {
			messages = append(messages, msg)
		}
	}
}

// wipe scrubs the accumulation buffer.
func (a *authenticator) wipe() {
	a.buf.Wipe()
}

// serverBadAuth is the prefix of the fatal authentication error message.
const serverBadAuth = "AUTH_FAILED"

// serverPushReply is the prefix of the server's push reply message.
const serverPushReply = "PUSH_REPLY"

// errBadAuth means we could not authenticate.
var errBadAuth = errors.New("server says: bad auth")

// isAuthFailedMessage tells whether a control message is the fatal AUTH_FAILED.
func isAuthFailedMessage(msg string) bool {
	return strings.HasPrefix(msg, serverBadAuth)
}

// isPushReplyMessage tells whether a control message is a push reply.
func isPushReplyMessage(msg string) bool {
	return strings.HasPrefix(msg, serverPushReply+",")
}

// parseServerPushReply parses the push reply and returns the tunnel info
// it carries.
func parseServerPushReply(logger model.Logger, msg string) (*model.TunnelInfo, error) {
	if !isPushReplyMessage(msg) {
		return nil, fmt.Errorf("expected push reply, got: %q", msg)
	}
	optsMap := pushedOptionsAsMap(strings.TrimPrefix(msg, serverPushReply+","))
	logger.Infof("Server pushed options: %v", optsMap)
	return newTunnelInfoFromPushedOptions(logger, optsMap), nil
}

type remoteOptions map[string][]string

// newTunnelInfoFromPushedOptions takes a remoteOptions map, and returns
// a new tunnel info struct with the relevant fields.
func newTunnelInfoFromPushedOptions(logger model.Logger, opts remoteOptions) *model.TunnelInfo {
	t := model.NewTunnelInfo()
	if r := opts["route"]; len(r) >= 1 {
		t.GW = r[0]
		t.Routes = append(t.Routes, strings.Join(r, " "))
	}
	if r := opts["route-gateway"]; len(r) >= 1 {
		t.GW = r[0]
	}
	ifconfig := opts["ifconfig"]
	if len(ifconfig) >= 1 {
		t.IP = ifconfig[0]
	}
	if len(ifconfig) >= 2 {
		t.NetMask = ifconfig[1]
	}
	if peerID := opts["peer-id"]; len(peerID) == 1 {
		peer, err := strconv.Atoi(peerID[0])
		if err != nil {
			logger.Warnf("cannot parse peer-id: %s", err.Error())
		} else {
			t.PeerID = peer
		}
	}
	if cipher := opts["cipher"]; len(cipher) == 1 {
		t.Cipher = cipher[0]
	}
	if ping := opts["ping"]; len(ping) == 1 {
		if v, err := strconv.Atoi(ping[0]); err == nil {
			t.PingInterval = v
		}
	}
	if restart := opts["ping-restart"]; len(restart) == 1 {
		if v, err := strconv.Atoi(restart[0]); err == nil {
			t.PingTimeout = v
		}
	}
	if token := opts["auth-token"]; len(token) == 1 {
		t.AuthToken = token[0]
	}
	if mtu := opts["tun-mtu"]; len(mtu) == 1 {
		if v, err := strconv.Atoi(mtu[0]); err == nil {
			t.MTU = v
		}
	}
	for _, dns := range opts["dhcp-option"] {
		if dns != "DNS" {
			t.DNS = append(t.DNS, dns)
		}
	}
	return t
}

// pushedOptionsAsMap returns a map for the server-pushed options, where
// the options are the keys and each space-separated value is the value.
// This function always returns an initialized map, even if empty.
func pushedOptionsAsMap(optStr string) remoteOptions {
	optMap := make(remoteOptions)
	if len(optStr) == 0 {
		return optMap
	}
	for _, opt := range strings.Split(optStr, ",") {
		vals := strings.Split(opt, " ")
		k, v := vals[0], vals[1:]
		if existing, ok := optMap[k]; ok {
			optMap[k] = append(existing, v...)
			continue
		}
		optMap[k] = v
	}
	return optMap
}
