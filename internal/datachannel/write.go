package datachannel

//
// Functions for encoding and encrypting outgoing packets.
//

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ovpnkit/ovpnkit/internal/bytesx"
	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

// encryptAndEncodePayloadAEAD performs encryption and encoding of the
// payload in AEAD modes (i.e., AES-GCM).
func encryptAndEncodePayloadAEAD(logger model.Logger, padded []byte, state *dataChannelState) ([]byte, error) {
	nextPacketID, err := state.NextPacketID()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
	}

	// in AEAD mode, we authenticate:
	// - 1 byte: opcode/key
	// - 3 bytes: peer-id (we're using P_DATA_V2)
	// - 4 bytes: packet-id
	aead := &bytes.Buffer{}
	aead.WriteByte(opcodeAndKeyHeader(state))
	aead.Write(state.peerID[:])
	bytesx.WriteUint32(aead, uint32(nextPacketID))

	// the iv is the packetID (again) concatenated with the first 8 bytes
	// of the key derived for the local hmac (which we do not use for
	// anything else in AEAD mode).
	iv := &bytes.Buffer{}
	bytesx.WriteUint32(iv, uint32(nextPacketID))
	iv.Write(state.hmacKeyLocal[:8])

	data := &plaintextData{
		iv:        iv.Bytes(),
		plaintext: padded,
		aead:      aead.Bytes(),
	}

	encrypted, err := state.dataCipher.encrypt(state.cipherKeyLocal[:], data)
	if err != nil {
		return nil, err
	}

	// some reordering, because openvpn uses tag|payload
	boundary := len(encrypted) - 16
	tag := encrypted[boundary:]
	ciphertext := encrypted[:boundary]

	out := &bytes.Buffer{}
	out.Write(data.aead) // opcode|peer-id|packet_id
	out.Write(tag)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// genRandomFn allows using a deterministic random function in tests.
var genRandomFn = bytesx.GenRandomBytes

// encryptAndEncodePayloadNonAEAD performs encryption and encoding of the
// payload in non-AEAD modes (i.e., AES-CBC with Encrypt-Then-MAC).
func encryptAndEncodePayloadNonAEAD(logger model.Logger, padded []byte, state *dataChannelState) ([]byte, error) {
	// For iv generation, OpenVPN uses a nonce-based PRNG that is
	// initially seeded with the OpenSSL RAND_bytes function. We assume
	// our CSRNG is good enough for this purpose.
	blockSize := state.dataCipher.blockSize()

	iv, err := genRandomFn(int(blockSize))
	if err != nil {
		return nil, err
	}
	data := &plaintextData{
		iv:        iv,
		plaintext: padded,
		aead:      nil,
	}

	ciphertext, err := state.dataCipher.encrypt(state.cipherKeyLocal[:], data)
	if err != nil {
		return nil, err
	}

	state.hmacLocal.Reset()
	state.hmacLocal.Write(iv)
	state.hmacLocal.Write(ciphertext)
	computedMAC := state.hmacLocal.Sum(nil)

	out := &bytes.Buffer{}
	out.WriteByte(opcodeAndKeyHeader(state))
	out.Write(state.peerID[:])
	out.Write(computedMAC)
	out.Write(iv)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// doCompress adds the compression framing byte if the configured framing
// requires one: the 0xfb stub marker for compress (v2.4), the 0xfa
// preamble for comp-lzo no. No actual compression is ever performed;
// servers configured for active compression are incompatible and must be
// matched framing-to-framing.
func doCompress(b []byte, compress config.Compression) ([]byte, error) {
	switch compress {
	case config.CompressionStub:
		b = append([]byte{0xfb}, b...)
	case config.CompressionLZONo:
		b = append([]byte{0xfa}, b...)
	}
	return b, nil
}

var errPadding = errors.New("padding error")

// doPadding does pkcs7 padding of the encryption payloads as needed.
func doPadding(b []byte, compress config.Compression, blockSize uint8) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", errPadding, "nothing to pad")
	}
	return bytesx.BytesPadPKCS7(b, int(blockSize))
}

// prependPacketID returns the original buffer with the passed packetID
// concatenated at the beginning, as used by the CBC mode.
func prependPacketID(p model.PacketID, buf []byte) []byte {
	newbuf := &bytes.Buffer{}
	packetID := make([]byte, 4)
	binary.BigEndian.PutUint32(packetID, uint32(p))
	newbuf.Write(packetID)
	newbuf.Write(buf)
	return newbuf.Bytes()
}

// opcodeAndKeyHeader returns the first byte of a data packet: the opcode in
// the 5 upper bits and the key id in the 3 lower ones.
func opcodeAndKeyHeader(state *dataChannelState) byte {
	return (byte(model.P_DATA_V2) << 3) | (state.keyID & 0x07)
}
