package config

//
// Parsing of the OpenVPN static key format used by tls-auth and tls-crypt.
//
// The file carries 256 bytes of hex between BEGIN/END markers; the
// tls-wrap layer later splits them into four 64-byte subkeys.
//

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// StaticKeySize is the size of an OpenVPN static key in bytes.
const StaticKeySize = 256

// ParseStaticKeyPEM extracts the 256-byte static key from its PEM-like
// representation ("-----BEGIN OpenVPN Static key V1-----" ... END).
func ParseStaticKeyPEM(blob []byte) ([]byte, error) {
	const (
		initState = iota
		beginState
		endState
	)
	state := initState
	hexBody := strings.Builder{}
	for _, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "BEGIN"):
			if state != initState {
				return nil, fmt.Errorf("%w: %s", ErrBadConfig, "invalid static key")
			}
			state = beginState
		case strings.Contains(line, "END"):
			if state != beginState {
				return nil, fmt.Errorf("%w: %s", ErrBadConfig, "invalid static key")
			}
			state = endState
		case state == beginState:
			hexBody.WriteString(line)
		}
	}
	if state != endState {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "static key: missing END marker")
	}
	key, err := hex.DecodeString(hexBody.String())
	if err != nil {
		return nil, fmt.Errorf("%w: static key: %s", ErrBadConfig, err)
	}
	if len(key) != StaticKeySize {
		return nil, fmt.Errorf("%w: static key: got %d bytes, want %d",
			ErrBadConfig, len(key), StaticKeySize)
	}
	return key, nil
}
