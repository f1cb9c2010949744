package reliabletransport

import (
	"time"

	"github.com/apex/log"

	"github.com/ovpnkit/ovpnkit/internal/model"
	"github.com/ovpnkit/ovpnkit/internal/session"
	"github.com/ovpnkit/ovpnkit/internal/workers"
)

// initManagers initializes a workers manager and a session manager.
func initManagers() (*workers.Manager, *session.Manager) {
	w := workers.NewManager(log.Log)
	s, err := session.NewManager(log.Log, 0)
	if err != nil {
		panic(err)
	}
	return w, s
}

// startTestService wires a [Service] with buffered channels on both ends
// and starts its workers. It returns the channels the test scripts use.
func startTestService(w *workers.Manager, s *session.Manager) (
	muxerToReliable chan *model.Packet,
	reliableToControl chan *model.Packet,
	dataOrControlToMuxer chan *model.Packet,
	controlToReliable chan *model.Packet,
) {
	svc := &Service{}
	controlToReliable = make(chan *model.Packet, 1024)
	svc.ControlToReliable = controlToReliable
	dataOrControlToMuxer = make(chan *model.Packet, 1024)
	svc.DataOrControlToMuxer = &dataOrControlToMuxer
	muxerToReliable = make(chan *model.Packet, 1024)
	svc.MuxerToReliable = muxerToReliable
	reliableToControl = make(chan *model.Packet, 1024)
	svc.ReliableToControl = &reliableToControl

	svc.StartWorkers(log.Log, w, s, time.Minute, false)
	return
}
