package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/donnalabs/donna/internal/telephony"
	"github.com/donnalabs/donna/pkg/store"
)

const busyLine = "I'm sorry, all our lines are busy right now. Please call back in a few minutes."

// handleIncomingCall answers Twilio's incoming-call webhook with TwiML that
// connects the call to the media-stream websocket.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if !telephony.ValidateSignature(s.cfg.AuthToken, s.cfg.PublicURL, r) {
		writeError(w, http.StatusForbidden, "invalid webhook signature")
		return
	}
	in, err := telephony.ParseIncomingCall(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/xml")

	if s.cfg.Manager.AtCapacity() {
		s.log.Warn("refusing call, at capacity", "call_sid", in.CallSID)
		_, _ = w.Write([]byte(telephony.SayHangupTwiML(busyLine)))
		return
	}

	wsURL, err := telephony.MediaStreamURL(s.cfg.PublicURL)
	if err != nil {
		s.log.Error("cannot derive media stream url", "err", err)
		writeError(w, http.StatusInternalServerError, "media stream unavailable")
		return
	}

	s.log.Info("incoming call", "call_sid", in.CallSID, "from", in.From)
	twiml := telephony.ConnectStreamTwiML(wsURL, telephony.CallerPhoneParams(in.From))
	_, _ = w.Write([]byte(twiml))
}

// handleCallStatus ingests Twilio's call-status callbacks. Voicemail signals
// are routed to the live orchestrator when the call is still active, and
// folded into the persisted record otherwise.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if !telephony.ValidateSignature(s.cfg.AuthToken, s.cfg.PublicURL, r) {
		writeError(w, http.StatusForbidden, "invalid webhook signature")
		return
	}
	cb, err := telephony.ParseStatusCallback(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cb.Voicemail() {
		if s.cfg.Manager.MarkVoicemail(cb.CallSID) {
			s.log.Info("voicemail flagged on active call", "call_sid", cb.CallSID)
		} else if err := s.cfg.Store.UpdateCallStatus(r.Context(), cb.CallSID, store.OutcomeVoicemail); err != nil {
			s.log.Warn("cannot update call outcome", "call_sid", cb.CallSID, "err", err)
			writeError(w, storeStatus(err), "cannot update call outcome")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMedia upgrades to a websocket and launches the call pipeline.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media websocket upgrade failed", "err", err)
		return
	}

	// The handler returns immediately; the session and orchestrator outlive
	// the request.
	ctx := context.WithoutCancel(r.Context())
	sess := telephony.NewSession(ctx, conn, s.log)

	orch, err := s.cfg.NewCall(sess)
	if err != nil {
		s.log.Error("cannot build call orchestrator", "err", err)
		_ = sess.Close()
		return
	}
	if err := s.cfg.Manager.Launch(ctx, orch); err != nil {
		s.log.Warn("cannot launch call", "err", err)
		_ = sess.Close()
	}
}
