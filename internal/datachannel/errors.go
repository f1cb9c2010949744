package datachannel

import "errors"

var (
	errDataChannel    = errors.New("datachannel error")
	errDataChannelKey = errors.New("bad key")
	errBadCompression = errors.New("bad compression")
	errReplayAttack   = errors.New("replay attack")
	errBadHMAC        = errors.New("bad hmac")
	errInitError      = errors.New("improperly initialized")
	errExpiredKey     = errors.New("key is expired")
	errBadPeerID      = errors.New("mismatched peer-id")
	errUnknownKeyID   = errors.New("unknown key id")

	// errInvalidKeySize means that the key size is invalid.
	errInvalidKeySize = errors.New("invalid key size")

	// errUnsupportedCipher indicates we don't support the desired cipher.
	errUnsupportedCipher = errors.New("unsupported cipher")

	// errUnsupportedMode indicates that the mode is not supported.
	errUnsupportedMode = errors.New("unsupported mode")

	// errBadInput indicates invalid inputs to encrypt/decrypt functions.
	errBadInput = errors.New("bad input")

	// ErrCannotEncrypt wraps all the errors while encrypting.
	ErrCannotEncrypt = errors.New("cannot encrypt")

	// ErrCannotDecrypt wraps all the errors while decrypting.
	ErrCannotDecrypt = errors.New("cannot decrypt")
)
