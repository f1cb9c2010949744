package datachannel

//
// Functions for decoding and decrypting incoming packets.
//

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/runtimex"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

func decodeEncryptedPayloadAEAD(logger model.Logger, buf []byte, state *dataChannelState) (*encryptedData, error) {
	//   P_DATA_V2 GCM data channel crypto format
	//   48000001 00000005 7e7046bd 444a7e28 cc6387b1 64a4d6c1 380275a...
	//   [ OP32 ] [seq # ] [             auth tag            ] [ payload ... ]
	//   - means authenticated -    * means encrypted *
	//   [ - opcode/peer-id - ] [ - packet ID - ] [ TAG ] [ * packet payload * ]

	// preconditions
	runtimex.Assert(state != nil, "passed nil state")
	runtimex.Assert(state.dataCipher != nil, "data cipher not initialized")

	if len(buf) < 20 {
		return nil, fmt.Errorf("%w: too short: %d bytes", ErrCannotDecrypt, len(buf))
	}
	remoteHMAC := state.hmacKeyRemote[:8]
	packetID := buf[:4]

	// the authenticated data is the opcode/key byte, the peer-id and the
	// packet id, as seen on the wire
	headers := &bytes.Buffer{}
	headers.WriteByte(opcodeAndKeyHeader(state))
	headers.Write(state.peerID[:])
	headers.Write(packetID)

	// we need to swap because decryption expects payload|tag
	// but we've got tag|payload instead
	payload := &bytes.Buffer{}
	payload.Write(buf[20:])  // ciphertext
	payload.Write(buf[4:20]) // tag

	// iv := packetID | remoteHMAC
	iv := &bytes.Buffer{}
	iv.Write(packetID)
	iv.Write(remoteHMAC)

	encrypted := &encryptedData{
		iv:         iv.Bytes(),
		ciphertext: payload.Bytes(),
		aead:       headers.Bytes(),
	}
	return encrypted, nil
}

func decodeEncryptedPayloadNonAEAD(logger model.Logger, buf []byte, state *dataChannelState) (*encryptedData, error) {
	runtimex.Assert(state != nil, "passed nil state")
	runtimex.Assert(state.dataCipher != nil, "data cipher not initialized")
	runtimex.Assert(state.hmacRemote != nil, "hmac not initialized")

	hashSize := uint8(state.hmacRemote.Size())
	blockSize := state.dataCipher.blockSize()

	minLen := int(hashSize) + int(blockSize)
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrCannotDecrypt, len(buf))
	}

	receivedHMAC := buf[:hashSize]
	iv := buf[hashSize : hashSize+blockSize]
	cipherText := buf[hashSize+blockSize:]

	state.hmacRemote.Reset()
	state.hmacRemote.Write(iv)
	state.hmacRemote.Write(cipherText)
	computedHMAC := state.hmacRemote.Sum(nil)

	if !hmac.Equal(computedHMAC, receivedHMAC) {
		logger.Warnf("expected: %x, got: %x", computedHMAC, receivedHMAC)
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, errBadHMAC)
	}

	encrypted := &encryptedData{
		iv:         iv,
		ciphertext: cipherText,
		// no AEAD data in this mode, empty to satisfy the common interface
		aead: []byte{},
	}
	return encrypted, nil
}

// packetIDFromPlaintext extracts the replay packet id of an incoming data
// packet: in AEAD modes it lives in the packet header; in CBC mode it is
// the first word of the decrypted plaintext.
func packetIDFromPlaintext(state *dataChannelState, wire []byte, plaintext []byte) (model.PacketID, []byte, error) {
	switch state.dataCipher.isAEAD() {
	case true:
		if len(wire) < 4 {
			return 0, nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, "missing packet id")
		}
		return model.PacketID(binary.BigEndian.Uint32(wire[:4])), plaintext, nil
	default:
		if len(plaintext) < 4 {
			return 0, nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, "missing packet id")
		}
		return model.PacketID(binary.BigEndian.Uint32(plaintext[:4])), plaintext[4:], nil
	}
}

// maybeStripCompression removes the compression framing prefix according to
// the negotiated framing. Only the no-compression markers are supported;
// anything else is a framing mismatch with the server.
func maybeStripCompression(b []byte, compress config.Compression) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}

	var (
		compr   byte
		payload []byte
	)
	switch compress {
	case config.CompressionStub, config.CompressionLZONo:
		compr = b[0]
		payload = b[1:]
	default:
		return b, nil
	}

	switch compr {
	case 0x00, 0xfa, 0xfb:
		// all three mean "no compression was applied":
		// 0x00 is compress-no,
		// 0xfa is the old no-compression or comp-lzo no case,
		// 0xfb is the v2.4 compression stub.
		// http://build.openvpn.net/doxygen/comp_8h_source.html
	default:
		return nil, fmt.Errorf("%w: cannot handle compression: %x", errBadCompression, compr)
	}
	return payload, nil
}
