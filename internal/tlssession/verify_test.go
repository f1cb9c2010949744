package tlssession

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"
)

// makeCertChain builds a CA plus a leaf signed by it, optionally carrying
// the server-auth EKU. It returns the CA pool and the raw leaf.
func makeCertChain(t *testing.T, withServerAuthEKU bool) (*x509.CertPool, []byte) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "vpn gateway"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if withServerAuthEKU {
		leafTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return pool, leafDER
}

func Test_customVerify_AcceptsValidChainWithEKU(t *testing.T) {
	pool, leaf := makeCertChain(t, true)
	verify := customVerifyFactory(pool, nil)
	if err := verify([][]byte{leaf}, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func Test_customVerify_RejectsMissingEKU(t *testing.T) {
	pool, leaf := makeCertChain(t, false)
	failed := make(chan error, 1)
	verify := customVerifyFactory(pool, failed)
	err := verify([][]byte{leaf}, nil)
	if !errors.Is(err, ErrMissingEKU) {
		t.Fatalf("expected EKU error, got %v", err)
	}
	// the failure must be reported on the channel so that the session
	// can classify the handshake error
	select {
	case <-failed:
	default:
		t.Fatal("verification failure not reported")
	}
}

func Test_customVerify_RejectsUnknownAuthority(t *testing.T) {
	_, leaf := makeCertChain(t, true)
	otherPool, _ := makeCertChain(t, true)
	verify := customVerifyFactory(otherPool, nil)
	if err := verify([][]byte{leaf}, nil); !errors.Is(err, ErrCannotVerifyCertChain) {
		t.Fatalf("expected chain error, got %v", err)
	}
}

func Test_customVerify_RejectsEmptyChain(t *testing.T) {
	pool, _ := makeCertChain(t, true)
	verify := customVerifyFactory(pool, nil)
	if err := verify(nil, nil); !errors.Is(err, ErrCannotVerifyCertChain) {
		t.Fatalf("expected chain error, got %v", err)
	}
}
