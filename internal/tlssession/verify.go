package tlssession

//
// TLS initialization and peer verification.
//
// We use uTLS to parrot a ClientHello that can reasonably blend with a
// recent openvpn+openssl client. Certificates are loaded in memory: there
// is no on-disk PEM cache to scrub.
//

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"

	tls "github.com/refraction-networking/utls"

	"github.com/ovpnkit/ovpnkit/pkg/config"
)

var (
	// ErrBadTLSHandshake is returned when the OpenVPN handshake failed.
	ErrBadTLSHandshake = errors.New("handshake failure")

	// ErrBadCA is returned when the CA file cannot be found or is not valid.
	ErrBadCA = errors.New("bad ca conf")

	// ErrBadKeypair is returned when the key or cert file cannot be found
	// or is not valid.
	ErrBadKeypair = errors.New("bad keypair conf")

	// ErrBadParrot is returned for errors during TLS parroting.
	ErrBadParrot = errors.New("cannot parrot")

	// ErrCannotVerifyCertChain is returned for certificate chain
	// validation errors.
	ErrCannotVerifyCertChain = errors.New("cannot verify chain")

	// ErrMissingEKU is returned when the peer certificate does not assert
	// the TLS Web Server Authentication extended key usage.
	ErrMissingEKU = errors.New("missing server-auth EKU")
)

// certConfig holds the parsed certificate and CA used for OpenVPN mutual
// certificate authentication.
type certConfig struct {
	cert    tls.Certificate
	hasCert bool
	ca      *x509.CertPool
}

// newCertConfigFromOptions returns a certConfig initialized from the
// passed options, loading from paths or from inline byte blobs.
func newCertConfigFromOptions(o *config.OpenVPNOptions) (*certConfig, error) {
	caBlob := o.CA
	if o.CAPath != "" {
		var err error
		caBlob, err = os.ReadFile(o.CAPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCA, err)
		}
	}
	ca := x509.NewCertPool()
	if !ca.AppendCertsFromPEM(caBlob) {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, "cannot parse ca cert")
	}
	cfg := &certConfig{ca: ca}

	certBlob, keyBlob := o.Cert, o.Key
	if o.CertPath != "" && o.KeyPath != "" {
		var err error
		if certBlob, err = os.ReadFile(o.CertPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		if keyBlob, err = os.ReadFile(o.KeyPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
	}
	// client cert and key are both-or-neither
	if len(certBlob) != 0 || len(keyBlob) != 0 {
		cert, err := tls.X509KeyPair(certBlob, keyBlob)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		cfg.cert, cfg.hasCert = cert, true
	}
	return cfg, nil
}

// authority returns the pinned CA pool.
func (c *certConfig) authority() *x509.CertPool {
	return c.ca
}

// verifyFun is the type expected by the VerifyPeerCertificate callback in
// tls.Config.
type verifyFun func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// customVerifyFactory returns a verifyFun callback that verifies any
// received certificate against the pinned CA, and then checks that the
// leaf asserts the TLS Web Server Authentication extended key usage.
//
// We do not verify the Common Name, since we don't know it a priori for a
// VPN gateway. When the verification fails, the callback reports it on the
// failed channel (if not nil) so that the caller can classify the
// handshake error, and returns an error so that the handshake aborts.
func customVerifyFactory(ca *x509.CertPool, failed chan<- error) verifyFun {
	customVerify := func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		report := func(err error) error {
			if failed != nil {
				select {
				case failed <- err:
				default:
				}
			}
			return err
		}
		// we assume (from docs) that we're always given the leaf
		// certificate as the first cert in the array.
		if len(rawCerts) == 0 {
			return report(fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify"))
		}
		leaf, _ := x509.ParseCertificate(rawCerts[0])
		if leaf == nil {
			return report(fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "cannot parse leaf"))
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if cert, _ := x509.ParseCertificate(raw); cert != nil {
				intermediates.AddCert(cert)
			}
		}
		opts := x509.VerifyOptions{
			// DNSName left empty to skip CN verification.
			Roots:         ca,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return report(fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err))
		}
		if !hasServerAuthEKU(leaf) {
			return report(ErrMissingEKU)
		}
		return nil
	}
	return customVerify
}

// hasServerAuthEKU checks the TLS Web Server Authentication EKU.
func hasServerAuthEKU(cert *x509.Certificate) bool {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth || eku == x509.ExtKeyUsageAny {
			return true
		}
	}
	return false
}

// initTLS returns a tls.Config matching the VPN options. The verification
// function verifies against the pinned CA and ignores the ServerName,
// since verifying it does not make sense for a VPN gateway.
func initTLS(cfg *certConfig, verifyFailed chan<- error) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTLSHandshake, "nil config")
	}

	tlsConf := &tls.Config{
		// crypto/tls wants either ServerName or InsecureSkipVerify set...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function that verifies
		// against the CA and ignores the ServerName
		VerifyPeerCertificate: customVerifyFactory(cfg.authority(), verifyFailed),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		// uTLS does not pick min/max version from the passed spec
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	} //#nosec G402

	if cfg.hasCert {
		tlsConf.Certificates = []tls.Certificate{cfg.cert}
	}
	return tlsConf, nil
}

// handshaker is a custom interface that we define here to be able to mock
// the tls.Conn implementation.
type handshaker interface {
	net.Conn
	Handshake() error
}

// vpnClientHelloHex is the hexadecimal representation of a capture from the
// reference openvpn implementation (openvpn=2.5.5,openssl=3.0.2).
var vpnClientHelloHex = `1603010114010001100303534e0a0f2687b240f7c7dfbb51c4aac33639f28173aa5d7bcebb159695ab0855208b835bf240a83df66885d6747b5bbf1b631e8c34ae469c629d7eb76e247128eb0032130213031301c02cc030009fcca9cca8ccaac02bc02f009ec024c028006bc023c0270067c00ac0140039c009c013003300ff01000095000b000403000102000a00160014001d0017001e00190018010001010102010301040016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b0009080304030303020301002d00020101003300260024001d0020a10bc24becb583293c317220e6725205d3a177a4a974090f6ffcf13a43da7035`

// parrotTLSFactory returns an implementer of the handshaker interface; in
// this case, a parroting implementation; and an error.
func parrotTLSFactory(conn net.Conn, cfg *tls.Config) (handshaker, error) {
	fingerprinter := &tls.Fingerprinter{AllowBluntMimicry: true}
	rawOpenVPNClientHelloBytes, err := hex.DecodeString(vpnClientHelloHex)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode raw fingerprint: %s", ErrBadParrot, err)
	}
	generatedSpec, err := fingerprinter.FingerprintClientHello(rawOpenVPNClientHelloBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprinting failed: %s", ErrBadParrot, err)
	}
	client := tls.UClient(conn, cfg, tls.HelloCustom)
	if err := client.ApplyPreset(generatedSpec); err != nil {
		return nil, fmt.Errorf("%w: cannot apply spec: %s", ErrBadParrot, err)
	}
	return client, nil
}

// tlsHandshake performs the TLS handshake over the control channel, and
// returns the TLS client as a net.Conn; returns also any error during the
// handshake.
func tlsHandshake(tlsConn net.Conn, tlsConf *tls.Config) (net.Conn, error) {
	tlsClient, err := tlsFactoryFn(tlsConn, tlsConf)
	if err != nil {
		return nil, err
	}
	if err := tlsClient.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTLSHandshake, err)
	}
	return tlsClient, nil
}

// global variables to allow monkeypatching in tests.
var (
	initTLSFn      = initTLS
	tlsFactoryFn   = parrotTLSFactory
	tlsHandshakeFn = tlsHandshake
)
