package datachannel

//
// The DataChannel controller: per-key cipher states and the encrypt and
// decrypt entry points used by the service workers.
//

import (
	"crypto/hmac"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// keyRoles tracks which key ids are usable at any given moment: the one
// all outgoing traffic uses (current) and the retired one that still
// decrypts late in-flight packets (old).
type keyRoles struct {
	current int
	old     int
}

// DataChannel encrypts and decrypts the tunnel payloads. Use the
// constructor [NewDataChannelFromOptions].
type DataChannel struct {
	logger         model.Logger
	options        *config.OpenVPNOptions
	sessionManager *session.Manager

	mu     sync.Mutex
	states map[uint8]*dataChannelState
	roles  keyRoles

	// decodeFn and encryptEncodeFn are selected according to the
	// AEAD-ness of the negotiated cipher.
	decodeFn        func(model.Logger, []byte, *dataChannelState) (*encryptedData, error)
	encryptEncodeFn func(model.Logger, []byte, *dataChannelState) ([]byte, error)

	// bytesIn and bytesOut count the tunnel payload bytes moved in each
	// direction, for the owner's data-count queries.
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewDataChannelFromOptions returns a new DataChannel initialized with the
// options given. It also returns any error raised.
func NewDataChannelFromOptions(logger model.Logger,
	opt *config.OpenVPNOptions,
	sessionManager *session.Manager) (*DataChannel, error) {
	runtimex.Assert(opt != nil, "openvpn datachannel: opts cannot be nil")
	runtimex.Assert(len(opt.Cipher) != 0, "need a configured cipher option")

	dc := &DataChannel{
		logger:         logger,
		options:        opt,
		sessionManager: sessionManager,
		states:         map[uint8]*dataChannelState{},
		roles:          keyRoles{current: -1, old: -1},
	}

	logger.Infof("Cipher: %s", opt.Cipher)
	logger.Infof("Auth:   %s", opt.Auth)

	return dc, nil
}

// negotiatedCipher returns the cipher suite to use for a fresh key: the
// one pushed by the server when it renegotiated, the configured one
// otherwise.
func (d *DataChannel) negotiatedCipher() string {
	if pushed := d.sessionManager.TunnelInfo().Cipher; pushed != "" {
		return pushed
	}
	return d.options.Cipher
}

// SetupKeys performs the key expansion from the local and remote key
// sources of the given key, deriving a fresh cipher state for its key id.
// The state becomes current; the previous current state is retired to the
// old slot, and whatever was there before is wiped.
func (d *DataChannel) SetupKeys(dck *session.DataChannelKey) error {
	runtimex.Assert(dck != nil, "data channel key cannot be nil")
	if !dck.Ready() {
		return fmt.Errorf("%w: %s", errDataChannelKey, "key not ready")
	}

	state := newDataChannelState(dck.ID())

	dataCipher, err := newDataCipherFromCipherSuite(d.negotiatedCipher())
	if err != nil {
		return err
	}
	state.dataCipher = dataCipher
	hmacHash, ok := newHMACFactory(d.options.Auth)
	if !ok {
		return fmt.Errorf("%w: no such mac: %v", errDataChannel, d.options.Auth)
	}
	state.hash = hmacHash

	master := prf(
		dck.Local().PreMaster(),
		[]byte("OpenVPN master secret"),
		dck.Local().R1(),
		dck.Remote().R1(),
		[]byte{}, []byte{},
		48)

	keys := prf(
		master,
		[]byte("OpenVPN key expansion"),
		dck.Local().R2(),
		dck.Remote().R2(),
		d.sessionManager.LocalSessionID(),
		d.sessionManager.RemoteSessionID(),
		256)

	copy(state.cipherKeyLocal[:], keys[0:64])
	copy(state.hmacKeyLocal[:], keys[64:128])
	copy(state.cipherKeyRemote[:], keys[128:192])
	copy(state.hmacKeyRemote[:], keys[192:256])

	// scrub the intermediate material right away
	for i := range keys {
		keys[i] = 0
	}
	for i := range master {
		master[i] = 0
	}

	hashSize := state.hash().Size()
	state.hmacLocal = hmac.New(state.hash, state.hmacKeyLocal[:hashSize])
	state.hmacRemote = hmac.New(state.hash, state.hmacKeyRemote[:hashSize])

	// the peer-id is stamped into every outgoing P_DATA_V2 frame; when
	// the server did not assign one we keep the disabled sentinel.
	tinfo := d.sessionManager.TunnelInfo()
	if tinfo.HasPeerID() {
		state.peerID = model.NewPeerID(uint32(tinfo.PeerID))
	} else {
		state.peerID = model.NewPeerID(model.PeerIDDisabled)
	}

	d.mu.Lock()
	switch dataCipher.isAEAD() {
	case true:
		d.decodeFn = decodeEncryptedPayloadAEAD
		d.encryptEncodeFn = encryptAndEncodePayloadAEAD
	case false:
		d.decodeFn = decodeEncryptedPayloadNonAEAD
		d.encryptEncodeFn = encryptAndEncodePayloadNonAEAD
	}
	if d.roles.old >= 0 {
		if dropped := d.states[uint8(d.roles.old)]; dropped != nil {
			dropped.Wipe()
			delete(d.states, uint8(d.roles.old))
		}
		d.roles.old = -1
	}
	if d.roles.current >= 0 && d.roles.current != int(dck.ID()) {
		d.roles.old = d.roles.current
	}
	d.roles.current = int(dck.ID())
	d.states[dck.ID()] = state
	d.mu.Unlock()

	d.logger.Infof("Key derivation OK for key id %d", dck.ID())
	return nil
}

// currentState returns the state all outgoing traffic must use.
func (d *DataChannel) currentState() (*dataChannelState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roles.current < 0 {
		return nil, errInitError
	}
	state := d.states[uint8(d.roles.current)]
	if state == nil {
		return nil, errInitError
	}
	return state, nil
}

// stateForKeyID resolves the state for an incoming data packet.
func (d *DataChannel) stateForKeyID(keyID uint8) (*dataChannelState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := d.states[keyID]
	if state == nil {
		return nil, fmt.Errorf("%w: %d", errUnknownKeyID, keyID)
	}
	return state, nil
}

// WritePacket encrypts the given tunnel payload and returns a data packet
// ready to be passed down to the muxer.
func (d *DataChannel) WritePacket(payload []byte) (*model.Packet, error) {
	state, err := d.currentState()
	if err != nil {
		return nil, err
	}
	runtimex.Assert(state.dataCipher != nil, "data: nil dataCipher")

	var plain []byte
	switch state.dataCipher.isAEAD() {
	case true:
		plain, err = doCompress(payload, d.options.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
	case false: // non-aead
		plain, err = doCompress(payload, d.options.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
		localPacketID, err := state.NextPacketID()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
		plain = prependPacketID(localPacketID, plain)
		// only CBC needs the PKCS#7 padding
		plain, err = doPadding(plain, d.options.Compress, state.dataCipher.blockSize())
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
	}

	// encrypted includes the opcode/key-id byte, the peer-id and, in AEAD
	// mode, the authenticated parts of the packet.
	encrypted, err := d.encryptEncodeFn(d.logger, plain, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
	}

	d.bytesOut.Add(uint64(len(payload)))

	packet := model.NewPacket(model.P_DATA_V2, state.keyID, encrypted)
	packet.PeerID = state.peerID
	return packet, nil
}

// ReadPacket decrypts an incoming data packet and returns the tunnel
// payload it carries.
func (d *DataChannel) ReadPacket(p *model.Packet) ([]byte, error) {
	runtimex.Assert(p.IsData(), "ReadPacket expects data packet")
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, "empty payload")
	}

	state, err := d.stateForKeyID(p.KeyID)
	if err != nil {
		return nil, err
	}

	// drop V2 frames stamped with somebody else's peer-id
	if p.Opcode == model.P_DATA_V2 && p.PeerID != state.peerID {
		return nil, fmt.Errorf("%w: got %x", errBadPeerID, p.PeerID)
	}

	encryptedData, err := d.decodeFn(d.logger, p.Payload, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	plaintext, err := state.dataCipher.decrypt(state.cipherKeyRemote[:], encryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}

	// replay protection: the window only advances after a successful
	// decryption, so forged packets cannot pollute it
	packetID, rest, err := packetIDFromPlaintext(state, p.Payload, plaintext)
	if err != nil {
		return nil, err
	}
	if err := state.replay.Check(packetID); err != nil {
		return nil, err
	}

	payload, err := maybeStripCompression(rest, d.options.Compress)
	if err != nil {
		return nil, err
	}

	d.bytesIn.Add(uint64(len(payload)))
	return payload, nil
}

// DataCount returns the number of payload bytes moved in each direction.
func (d *DataChannel) DataCount() (in, out uint64) {
	return d.bytesIn.Load(), d.bytesOut.Load()
}
