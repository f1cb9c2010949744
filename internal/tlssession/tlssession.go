// Package tlssession implements the TLS session service: a memory-BIO TLS
// client tunneled through the control channel, the key-material exchange
// that follows the handshake, and the push request/reply dance that
// finishes a negotiation.
package tlssession

import (
	"errors"
	"fmt"
	"net"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
	"github.com/ovpnkit/ovpnkit/pkg/config"
)

var (
	serviceName = "tlssession"
)

// pushRequestInterval is how long we wait before resending PUSH_REQUEST
// when the server has not answered yet.
const pushRequestInterval = 2 * time.Second

// Service is the tlssession service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// NotifyTLS is a channel where we receive incoming notifications.
	NotifyTLS chan *model.Notification

	// KeyUp is used to send newly negotiated data channel keys ready to be
	// used.
	KeyUp *chan *session.DataChannelKey

	// TLSRecordUp is data coming up from the control channel layer to us.
	TLSRecordUp chan []byte

	// TLSRecordDown is data being transferred down from us to the control
	// channel.
	TLSRecordDown *chan []byte
}

// StartWorkers starts the tlssession workers.
func (svc *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	ws := &workersState{
		keyUp:          *svc.KeyUp,
		logger:         cfg.Logger(),
		notifyTLS:      svc.NotifyTLS,
		options:        cfg.OpenVPNOptions(),
		tlsRecordDown:  *svc.TLSRecordDown,
		tlsRecordUp:    svc.TLSRecordUp,
		sessionManager: sessionManager,
		workersManager: workersManager,
	}
	workersManager.StartWorker(ws.worker)
}

// workersState contains the tlssession worker state.
type workersState struct {
	logger         model.Logger
	notifyTLS      <-chan *model.Notification
	options        *config.OpenVPNOptions
	tlsRecordDown  chan<- []byte
	tlsRecordUp    <-chan []byte
	keyUp          chan<- *session.DataChannelKey
	sessionManager *session.Manager
	workersManager *workers.Manager
}

// worker is the main loop of the tlssession.
func (ws *workersState) worker() {
	workerName := fmt.Sprintf("%s: worker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)
	for {
		select {
		case notif := <-ws.notifyTLS:
			if (notif.Flags & model.NotificationReset) != 0 {
				if err := ws.tlsAuth(); err != nil {
					if err != workers.ErrShutdown {
						ws.logger.Warnf("%s: %s", workerName, err.Error())
					}
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// tlsAuth runs the TLS handshake and the authentication exchange on top of
// it. It classifies failures into the session's stop reasons.
func (ws *workersState) tlsAuth() error {
	// create the BIO to use channels as a socket
	conn := newTLSBio(ws.logger, ws.tlsRecordUp, ws.tlsRecordDown)
	defer conn.Close()

	// the certCfg has access to the certificate material
	certCfg, err := newCertConfigFromOptions(ws.options)
	if err != nil {
		ws.sessionManager.Stop(model.StopTLSHandshake)
		return err
	}

	// verifyFailed lets the verification callback tell us apart a
	// peer-verification failure from any other handshake error.
	verifyFailed := make(chan error, 1)

	tlsConf, err := initTLSFn(certCfg, verifyFailed)
	if err != nil {
		ws.sessionManager.Stop(model.StopTLSHandshake)
		return err
	}

	// run the real algorithm in a background goroutine
	errorch := make(chan error, 1)
	go ws.doTLSAuth(conn, tlsConf, verifyFailed, errorch)

	select {
	case err := <-errorch:
		return err

	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}
}

// doTLSAuth is the internal implementation of tlsAuth such that tlsAuth
// can interrupt this function early if needed.
func (ws *workersState) doTLSAuth(conn net.Conn, cfg *tls.Config, verifyFailed <-chan error, errorch chan<- error) {
	ws.logger.Debugf("%s: doTLSAuth: started", serviceName)
	defer ws.logger.Debugf("%s: doTLSAuth: done", serviceName)

	// do the TLS handshake
	tlsConn, err := tlsHandshakeFn(conn, cfg)
	if err != nil {
		select {
		case <-verifyFailed:
			ws.sessionManager.Stop(model.StopPeerVerification)
		default:
			ws.sessionManager.Stop(model.StopTLSHandshake)
		}
		errorch <- err
		return
	}

	// we need the active key to create the first control message
	activeKey, err := ws.sessionManager.ActiveKey()
	if err != nil {
		errorch <- err
		return
	}

	// send the key-material message with random material and credentials
	if err := ws.sendAuthRequestMessage(tlsConn, activeKey); err != nil {
		errorch <- err
		return
	}
	ws.sessionManager.SetNegotiationState(model.S_SENT_KEY)

	// the auth exchange and the push dance happen over the same TLS
	// plaintext stream, so we read it from a single goroutine.
	plaintext := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			buffer := make([]byte, 1<<17)
			count, err := tlsConn.Read(buffer)
			if err != nil {
				readErr <- err
				return
			}
			plaintext <- buffer[:count]
		}
	}()

	auth := newAuthenticator()
	defer auth.wipe()

	pushTicker := time.NewTicker(pushRequestInterval)
	defer pushTicker.Stop()
	pushRequested := false

	for {
		select {
		case data := <-plaintext:
			reply, messages, err := auth.feed(data)
			if errors.Is(err, ErrWrongControlDataPrefix) {
				ws.sessionManager.Stop(model.StopWrongControlDataPrefix)
				errorch <- err
				return
			}
			if err != nil {
				errorch <- err
				return
			}

			if reply != nil {
				ws.logger.Debugf("Remote options: %s", reply.options)
				if err := ws.sessionManager.InitTunnelInfo(reply.options); err != nil {
					errorch <- err
					return
				}
				if err := activeKey.AddRemoteKey(reply.remoteKey); err != nil {
					errorch <- err
					return
				}
				ws.sessionManager.SetNegotiationState(model.S_GOT_KEY)

				// ask the server to push options to us
				if err := ws.sendPushRequestMessage(tlsConn); err != nil {
					errorch <- err
					return
				}
				pushRequested = true
				pushTicker.Reset(pushRequestInterval)
			}

			for _, msg := range messages {
				if isAuthFailedMessage(msg) {
					ws.sessionManager.Stop(model.StopBadCredentials)
					errorch <- errBadAuth
					return
				}
				if !isPushReplyMessage(msg) {
					ws.logger.Debugf("%s: ignoring message: %q", serviceName, msg)
					continue
				}
				tinfo, err := parseServerPushReply(ws.logger, msg)
				if err != nil {
					errorch <- err
					return
				}
				if !tinfo.HasPeerID() {
					// we keep emitting P_DATA_V2 frames with the
					// disabled sentinel in this case
					ws.logger.Warn("push reply without peer-id")
				}
				ws.sessionManager.UpdateTunnelInfo(tinfo)

				// progress to the ACTIVE state
				ws.sessionManager.SetNegotiationState(model.S_ACTIVE)

				// notify the datachannel that we've got a key pair
				// ready to use
				select {
				case ws.keyUp <- activeKey:
				case <-ws.workersManager.ShouldShutdown():
					errorch <- workers.ErrShutdown
					return
				}
				errorch <- nil
				return
			}

		case <-pushTicker.C:
			// the push reply may be lost: keep asking until it arrives
			if pushRequested {
				if err := ws.sendPushRequestMessage(tlsConn); err != nil {
					errorch <- err
					return
				}
			}

		case err := <-readErr:
			errorch <- err
			return

		case <-ws.workersManager.ShouldShutdown():
			errorch <- workers.ErrShutdown
			return
		}
	}
}

// sendAuthRequestMessage sends the auth request message.
func (ws *workersState) sendAuthRequestMessage(tlsConn net.Conn, activeKey *session.DataChannelKey) error {
	// reuse the auth token from a previous push reply, if any
	authToken := ws.sessionManager.TunnelInfo().AuthToken

	ctrlMsg, err := encodeClientControlMessageAsBytes(activeKey.Local(), ws.options, authToken)
	if err != nil {
		return err
	}
	defer ctrlMsg.Wipe()

	_, err = tlsConn.Write(ctrlMsg.Bytes())
	return err
}

// sendPushRequestMessage sends the push request message.
func (ws *workersState) sendPushRequestMessage(conn net.Conn) error {
	data := append([]byte("PUSH_REQUEST"), 0x00)
	_, err := conn.Write(data)
	return err
}
