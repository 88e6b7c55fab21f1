package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/drover/internal/bus"
)

// StreamEvent frames one bus event on the /ws feed. Exactly one payload
// field is set, matching the topic prefix.
type StreamEvent struct {
	Topic   string            `json:"topic"`
	Worker  *bus.WorkerEvent  `json:"worker,omitempty"`
	Onboard *bus.OnboardEvent `json:"onboard,omitempty"`
}

// handleWS streams worker and onboarding bus events to the client until it
// disconnects. The feed is one-way; anything the client sends is ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.logger.Info("ws client connected")
	defer func() {
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	workers := s.cfg.Bus.Subscribe("worker.")
	defer s.cfg.Bus.Unsubscribe(workers)
	onboards := s.cfg.Bus.Subscribe("onboard.")
	defer s.cfg.Bus.Unsubscribe(onboards)

	ctx := r.Context()
	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-workers.Ch():
		case ev = <-onboards.Ch():
		}

		frame := StreamEvent{Topic: ev.Topic}
		switch payload := ev.Payload.(type) {
		case bus.WorkerEvent:
			frame.Worker = &payload
		case bus.OnboardEvent:
			frame.Onboard = &payload
		default:
			continue
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			s.logger.Debug("ws write failed, closing", "error", err)
			return
		}
	}
}
