package config

//
// Parse VPN options.
//
// Mostly, this file conforms to the format in the reference implementation.
// The parser only accepts the subset of directives that the engine
// consumes; anything else is rejected loudly so that a user does not run
// with half-applied settings.
//
// Following the configuration format in the reference implementation, we
// allow including files in the main configuration file for the `ca`,
// `cert`, `key`, `tls-auth` and `tls-crypt` options.
//
// Each inline file is started by the line <option> and ended by the line
// </option>, like:
//
// ```
// <ca>
// -----BEGIN CERTIFICATE-----
// [...]
// -----END CERTIFICATE-----
// </ca>
// ```

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Compression describes the data-channel compression framing.
type Compression string

const (
	// CompressionEmpty disables the compression framing byte.
	CompressionEmpty = Compression("empty")

	// CompressionStub adds the v2.4 (0xfb) compression stub to packets.
	CompressionStub = Compression("stub")

	// CompressionLZONo is comp-lzo no: the 0xfa no-compression preamble.
	CompressionLZONo = Compression("lzo-no")
)

// Proto is the main vpn mode (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// ProtoTCP is used for vpn in TCP mode.
const ProtoTCP = Proto("tcp")

// ProtoUDP is used for vpn in UDP mode.
const ProtoUDP = Proto("udp")

// TLSWrapMode selects the optional protection of the control channel.
type TLSWrapMode string

const (
	// TLSWrapNone leaves control packets unprotected.
	TLSWrapNone = TLSWrapMode("")

	// TLSWrapAuth authenticates control packets with a pre-shared HMAC key
	// (--tls-auth).
	TLSWrapAuth = TLSWrapMode("auth")

	// TLSWrapCrypt encrypts and authenticates control packets with
	// pre-shared keys (--tls-crypt).
	TLSWrapCrypt = TLSWrapMode("crypt")
)

// ErrBadConfig is the generic error returned for invalid config files.
var ErrBadConfig = errors.New("openvpn: bad config")

// SupportedCiphers defines the supported ciphers.
var SupportedCiphers = []string{
	"AES-128-CBC",
	"AES-192-CBC",
	"AES-256-CBC",
	"AES-128-GCM",
	"AES-192-GCM",
	"AES-256-GCM",
}

// SupportedAuth defines the supported authentication digests.
var SupportedAuth = []string{
	"SHA1",
	"SHA224",
	"SHA256",
	"SHA384",
	"SHA512",
}

// OpenVPNOptions make all the relevant openvpn configuration options
// accessible to the different modules that need them.
type OpenVPNOptions struct {
	// These options have the same name of OpenVPN options referenced
	// in the official documentation:
	Remote   string
	Port     string
	Proto    Proto
	Username string
	Password string
	CAPath   string
	CertPath string
	KeyPath  string
	CA       []byte
	Cert     []byte
	Key      []byte
	Cipher   string
	Auth     string

	// TLSWrapMode and TLSWrapKey configure --tls-auth or --tls-crypt; the
	// key is the raw 256-byte static key parsed from its PEM-like file.
	TLSWrapMode TLSWrapMode
	TLSWrapKey  []byte

	// KeepAlive is the ping interval, in seconds; zero disables pings
	// unless the server pushes an interval.
	KeepAlive int

	// PingTimeout is the inactivity shutdown bound, in seconds.
	PingTimeout int

	// RenegotiateAfter triggers a client soft reset after this many
	// seconds; zero disables client-initiated renegotiation.
	RenegotiateAfter int

	// UsesPIAPatches enables the vendor hard-reset payload that binds the
	// CA digest and the negotiated cipher and auth tags.
	UsesPIAPatches bool

	// MTU is the link MTU hint used to chunk control payloads.
	MTU int

	// Compress configures the compression framing. No actual compression
	// is ever performed.
	Compress Compression
}

// ReadConfigFile expects a string with a path to a valid config file,
// and returns a pointer to an OpenVPNOptions struct after parsing the file,
// and an error if the operation could not be completed.
func ReadConfigFile(filePath string) (*OpenVPNOptions, error) {
	lines, err := getLinesFromFile(filePath)
	dir, _ := filepath.Split(filePath)
	if err != nil {
		return nil, err
	}
	return getOptionsFromLines(lines, dir)
}

// ShouldLoadCertsFromPath returns true when the options object is configured
// to load certificates from paths; false when we have inline certificates.
func (o *OpenVPNOptions) ShouldLoadCertsFromPath() bool {
	return o.CertPath != "" && o.KeyPath != "" && o.CAPath != ""
}

// HasAuthInfo returns true if:
// - we have paths for cert, key and ca; or
// - we have inline byte arrays for cert, key and ca; or
// - we have username + password info.
func (o *OpenVPNOptions) HasAuthInfo() bool {
	if o.CertPath != "" && o.KeyPath != "" && o.CAPath != "" {
		return true
	}
	if len(o.Cert) != 0 && len(o.Key) != 0 && len(o.CA) != 0 {
		return true
	}
	if o.Username != "" && o.Password != "" {
		return true
	}
	return false
}

// clientOptions is the options line we're passing to the OpenVPN server
// during the handshake.
const clientOptions = "V4,dev-type tun,link-mtu 1549,tun-mtu 1500,proto %sv4,cipher %s,auth %s,keysize %s,key-method 2,tls-client"

// ServerOptionsString produces a comma-separated representation of the
// options, in the same order and format that the OpenVPN server expects
// from us.
func (o *OpenVPNOptions) ServerOptionsString() string {
	if o.Cipher == "" {
		return ""
	}
	parts := strings.Split(o.Cipher, "-")
	if len(parts) != 3 {
		return ""
	}
	keysize := parts[1]
	proto := strings.ToUpper(ProtoUDP.String())
	if o.Proto == ProtoTCP {
		proto = strings.ToUpper(ProtoTCP.String())
	}
	s := fmt.Sprintf(clientOptions, proto, o.Cipher, o.Auth, keysize)
	switch o.Compress {
	case CompressionStub:
		s = s + ",compress stub"
	case CompressionLZONo:
		s = s + ",lzo-comp no"
	}
	return s
}

// getOptionsFromLines tries to parse all the lines coming from a config
// file and raises validation errors if the values do not conform to the
// expected format.
func getOptionsFromLines(lines []string, dir string) (*OpenVPNOptions, error) {
	opt := &OpenVPNOptions{
		Proto:    ProtoUDP,
		Compress: CompressionEmpty,
	}

	// tag and inlineBuf are used to parse inline files.
	tag := ""
	inlineBuf := []string{}

	for _, l := range lines {
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}
		l = strings.TrimSpace(l)

		// inline certs
		if isClosingTag(l) {
			e := parseInlineTag(opt, tag, inlineBuf)
			if e != nil {
				return nil, e
			}
			tag = ""
			inlineBuf = []string{}
			continue
		}
		if tag != "" {
			inlineBuf = append(inlineBuf, l)
			continue
		}
		if isOpeningTag(l) {
			tag = parseTag(l)
			continue
		}

		// parse parts in the same line
		p := strings.Split(l, " ")
		if len(p) == 0 {
			continue
		}
		var (
			key   string
			parts []string
		)
		if len(p) == 1 {
			key = p[0]
		} else {
			key, parts = p[0], p[1:]
		}
		e := parseOption(opt, dir, key, parts)
		if e != nil {
			return nil, e
		}
	}
	return opt, nil
}

func isOpeningTag(key string) bool {
	switch key {
	case "<ca>", "<cert>", "<key>", "<tls-auth>", "<tls-crypt>":
		return true
	default:
		return false
	}
}

func isClosingTag(key string) bool {
	switch key {
	case "</ca>", "</cert>", "</key>", "</tls-auth>", "</tls-crypt>":
		return true
	default:
		return false
	}
}

func parseTag(tag string) string {
	switch tag {
	case "<ca>", "</ca>":
		return "ca"
	case "<cert>", "</cert>":
		return "cert"
	case "<key>", "</key>":
		return "key"
	case "<tls-auth>", "</tls-auth>":
		return "tls-auth"
	case "<tls-crypt>", "</tls-crypt>":
		return "tls-crypt"
	default:
		return ""
	}
}

// parseInlineTag stores the contents of an inline block into the
// corresponding option field.
func parseInlineTag(o *OpenVPNOptions, tag string, buf []string) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: empty inline tag: %s", ErrBadConfig, tag)
	}
	blob := []byte(strings.Join(buf, "\n") + "\n")
	switch tag {
	case "ca":
		o.CA = blob
	case "cert":
		o.Cert = blob
	case "key":
		o.Key = blob
	case "tls-auth":
		key, err := ParseStaticKeyPEM(blob)
		if err != nil {
			return err
		}
		o.TLSWrapMode, o.TLSWrapKey = TLSWrapAuth, key
	case "tls-crypt":
		key, err := ParseStaticKeyPEM(blob)
		if err != nil {
			return err
		}
		o.TLSWrapMode, o.TLSWrapKey = TLSWrapCrypt, key
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// parseOption parses a single sprase-separated directive.
func parseOption(o *OpenVPNOptions, dir, key string, p []string) error {
	switch key {
	case "proto":
		return parseProto(p, o)
	case "remote":
		return parseRemote(p, o)
	case "cipher":
		return parseCipher(p, o)
	case "auth":
		return parseAuth(p, o)
	case "auth-user-pass":
		return parseAuthUser(p, dir, o)
	case "ca":
		return parsePath(p, dir, &o.CAPath)
	case "cert":
		return parsePath(p, dir, &o.CertPath)
	case "key":
		return parsePath(p, dir, &o.KeyPath)
	case "tls-auth":
		return parseTLSWrapFile(p, dir, TLSWrapAuth, o)
	case "tls-crypt":
		return parseTLSWrapFile(p, dir, TLSWrapCrypt, o)
	case "comp-lzo":
		return parseCompLZO(p, o)
	case "compress":
		return parseCompress(p, o)
	case "keepalive":
		return parseKeepAlive(p, o)
	case "ping":
		return parseSeconds(p, &o.KeepAlive)
	case "ping-restart":
		return parseSeconds(p, &o.PingTimeout)
	case "reneg-sec":
		return parseSeconds(p, &o.RenegotiateAfter)
	case "tun-mtu", "link-mtu":
		return parseSeconds(p, &o.MTU)
	case "pia-signal-settings":
		o.UsesPIAPatches = true
		return nil
	case "client", "nobind", "persist-key", "persist-tun", "tls-client",
		"dev", "dev-type", "resolv-retry", "remote-cert-tls",
		"verb", "mute", "pull", "key-direction", "redirect-gateway":
		// no-op for the engine
		return nil
	default:
		return fmt.Errorf("%w: unsupported option: %s", ErrBadConfig, key)
	}
}

func parseProto(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proto needs one arg")
	}
	m := p[0]
	switch m {
	case "udp", "udp4":
		o.Proto = ProtoUDP
	case "tcp", "tcp4", "tcp-client":
		o.Proto = ProtoTCP
	default:
		return fmt.Errorf("%w: bad proto: %s", ErrBadConfig, m)
	}
	return nil
}

func parseRemote(p []string, o *OpenVPNOptions) error {
	if len(p) < 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "remote needs two args")
	}
	o.Remote, o.Port = p[0], p[1]
	return nil
}

func parseCipher(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cipher expects one arg")
	}
	cipher := p[0]
	if !hasElement(cipher, SupportedCiphers) {
		return fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, cipher)
	}
	o.Cipher = cipher
	return nil
}

func parseAuth(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "invalid auth entry")
	}
	auth := p[0]
	if !hasElement(auth, SupportedAuth) {
		return fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, auth)
	}
	o.Auth = auth
	return nil
}

func parseAuthUser(p []string, dir string, o *OpenVPNOptions) error {
	if len(p) != 1 || !existsFile(maybeAddDirPath(p[0], dir)) {
		return fmt.Errorf("%w: %s", ErrBadConfig, "auth-user-pass expects a valid file")
	}
	creds, err := getCredentialsFromFile(maybeAddDirPath(p[0], dir))
	if err != nil {
		return err
	}
	o.Username, o.Password = creds[0], creds[1]
	return nil
}

func parsePath(p []string, dir string, target *string) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "expected a valid file path")
	}
	path := maybeAddDirPath(p[0], dir)
	if !existsFile(path) {
		return fmt.Errorf("%w: file not found: %s", ErrBadConfig, path)
	}
	*target = path
	return nil
}

func parseTLSWrapFile(p []string, dir string, mode TLSWrapMode, o *OpenVPNOptions) error {
	// tls-auth optionally takes a key-direction argument that we ignore:
	// the engine always uses the client direction.
	if len(p) < 1 {
		return fmt.Errorf("%w: %s expects a file", ErrBadConfig, mode)
	}
	path := maybeAddDirPath(p[0], dir)
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	key, err := ParseStaticKeyPEM(blob)
	if err != nil {
		return err
	}
	o.TLSWrapMode, o.TLSWrapKey = mode, key
	return nil
}

func parseCompLZO(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 || p[0] != "no" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "comp-lzo: compression not supported")
	}
	o.Compress = CompressionLZONo
	return nil
}

func parseCompress(p []string, o *OpenVPNOptions) error {
	if len(p) > 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub supported")
	}
	if len(p) == 0 {
		o.Compress = CompressionEmpty
		return nil
	}
	if p[0] == "stub" {
		o.Compress = CompressionStub
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub supported")
}

func parseKeepAlive(p []string, o *OpenVPNOptions) error {
	// keepalive <ping> <ping-restart>
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "keepalive expects two args")
	}
	if err := parseSeconds(p[:1], &o.KeepAlive); err != nil {
		return err
	}
	return parseSeconds(p[1:], &o.PingTimeout)
}

func parseSeconds(p []string, target *int) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "expected a single integer")
	}
	val, err := strconv.Atoi(p[0])
	if err != nil || val < 0 {
		return fmt.Errorf("%w: bad integer: %s", ErrBadConfig, p[0])
	}
	*target = val
	return nil
}

func maybeAddDirPath(path, dir string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return filepath.Join(dir, path)
}

func hasElement(el string, arr []string) bool {
	for _, v := range arr {
		if v == el {
			return true
		}
	}
	return false
}

func existsFile(path string) bool {
	statbuf, err := os.Stat(path)
	return err == nil && statbuf.Mode().IsRegular()
}

func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path) //#nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func getCredentialsFromFile(path string) ([]string, error) {
	lines, err := getLinesFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "malformed credentials file")
	}
	if len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty username in creds file")
	}
	if len(lines[1]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty password in creds file")
	}
	return lines[:2], nil
}
