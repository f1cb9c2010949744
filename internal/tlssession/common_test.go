package tlssession

import (
	"testing"

	"github.com/ovpnkit/ovpnkit/internal/session"
)

// newTestKeySource builds a key source with fresh random material.
func newTestKeySource(t *testing.T) *session.KeySource {
	t.Helper()
	ks, err := session.NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	return ks
}
