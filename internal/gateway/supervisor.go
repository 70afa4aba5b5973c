package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/turn"
	"github.com/parley-ai/parley/internal/utterance"
	"github.com/parley-ai/parley/internal/vadgate"
	"github.com/parley-ai/parley/internal/wire"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/peer"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/vision"
)

// State is a connection's position in its lifecycle.
type State int

// Connection lifecycle. Transitions run forward, except Active and
// TurnInFlight, which toggle once per turn.
const (
	StateConnecting State = iota
	StateReady
	StatePeerNegotiated
	StateActive
	StateTurnInFlight
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StatePeerNegotiated:
		return "peer_negotiated"
	case StateActive:
		return "active"
	case StateTurnInFlight:
		return "turn_in_flight"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// turnQueueDepth bounds turns admitted while earlier ones still forward.
const turnQueueDepth = 8

const wavHeaderSize = 44

// Supervisor glues one control connection to a session: it dispatches
// control messages, owns the peer adaptor and the inbound audio pipeline,
// launches turns, and relays turn events back to the client. One Supervisor
// runs per connection; the session it binds may outlive it.
type Supervisor struct {
	id   string
	conn Conn
	srv  *Server

	log     *slog.Logger
	fabric  *observe.Fabric
	metrics *observe.Metrics
	store   *session.Store

	// mu guards the fields shared with the forwarding and turn goroutines.
	mu      sync.Mutex
	state   State
	sess    *session.Session
	adaptor peer.Adaptor
	sink    *trackSink

	// Owned by the run loop goroutine.
	asm        *utterance.Assembler
	gate       *vadgate.Gate
	frames     <-chan audio.Frame
	peerCtrl   <-chan []byte
	peerEvents <-chan peer.Event
	speechAt   time.Time
	gateFailed bool

	turnQ chan (<-chan turn.Event)
}

func (s *Server) newSupervisor(conn Conn) *Supervisor {
	return &Supervisor{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     s,
		log:     s.log,
		fabric:  s.fabric,
		metrics: s.metrics,
		store:   s.cfg.Store,
		state:   StateConnecting,
		turnQ:   make(chan (<-chan turn.Event), turnQueueDepth),
	}
}

// readResult is one control read: a message, or the error that ended the
// pump.
type readResult struct {
	data []byte
	err  error
}

// Run drives the connection until the client disconnects, the heartbeat
// expires, or ctx is cancelled. The bound session stays in the store either
// way; only connection-scoped resources are torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdown()

	if err := s.send(ctx, wire.NewReady(s.id)); err != nil {
		return fmt.Errorf("gateway: send ready: %w", err)
	}
	s.setState(StateReady)

	go s.forwardLoop(ctx)

	reads := make(chan readResult)
	go s.readPump(ctx, reads)

	heartbeat := time.NewTimer(s.srv.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			s.log.Info("heartbeat expired", "connection_id", s.id)
			_ = s.conn.Close("heartbeat expired")
			return nil

		case r := <-reads:
			if r.err != nil {
				s.log.Debug("control channel ended", "connection_id", s.id, "error", r.err)
				return nil
			}
			s.handleControl(ctx, r.data, heartbeat)

		case frame, ok := <-s.frames:
			if !ok {
				s.frames = nil
				continue
			}
			s.handleFrame(ctx, frame)

		case data, ok := <-s.peerCtrl:
			if !ok {
				s.peerCtrl = nil
				continue
			}
			// Data-channel traffic does not feed the heartbeat; only
			// the control connection proves the client is still there.
			s.handleControl(ctx, data, nil)

		case ev, ok := <-s.peerEvents:
			if !ok {
				s.peerEvents = nil
				s.teardownPeer(ctx)
				continue
			}
			s.handlePeerEvent(ctx, ev)
		}
	}
}

// readPump moves control reads onto a channel the run loop can select on.
func (s *Supervisor) readPump(ctx context.Context, out chan<- readResult) {
	for {
		data, err := s.conn.Read(ctx)
		select {
		case out <- readResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleControl dispatches one inbound message. heartbeat is non-nil only
// for messages read from the control connection itself.
func (s *Supervisor) handleControl(ctx context.Context, data []byte, heartbeat *time.Timer) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("invalid control message", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInvalidMessage, "unrecognized control message")
		return
	}

	switch m := msg.(type) {
	case wire.Ping:
		if heartbeat != nil {
			resetTimer(heartbeat, s.srv.cfg.Heartbeat)
		}
		s.send(ctx, wire.NewPong(m.Timestamp))
	case wire.Reconnect:
		s.handleReconnect(ctx, m)
	case wire.Offer:
		s.handleOffer(ctx, m)
	case wire.Signal:
		s.handleSignal(ctx, m)
	case wire.Audio:
		s.handleAudio(ctx, m)
	case wire.Attachments:
		s.handleAttachments(ctx, m.Attachments)
	}
}

// resetTimer restarts t without racing its channel. Safe only because the
// run loop is the sole receiver, so a pending tick can be drained inline.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleReconnect rebinds a live session or falls back to a fresh one. Both
// outcomes ack success; historyRecovered tells the client which it got.
func (s *Supervisor) handleReconnect(ctx context.Context, m wire.Reconnect) {
	if recovered, ok := s.store.GetIfLive(m.SessionID); ok {
		s.bindSession(recovered)
		s.log.Info("session recovered",
			"connection_id", s.id,
			"session_id", recovered.ID)
		s.send(ctx, wire.NewReconnectAck(true, recovered.ID, true))
		return
	}

	sess, err := s.freshSession()
	if err != nil {
		s.log.Error("session create failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "session setup failed")
		return
	}
	s.bindSession(sess)
	s.send(ctx, wire.NewReconnectAck(true, sess.ID, false))
}

// handleOffer binds the peer adaptor on first use and relays the SDP
// exchange. The gathering budget rides the context; adaptors answer with
// what they have when it expires rather than fail.
func (s *Supervisor) handleOffer(ctx context.Context, m wire.Offer) {
	if s.srv.cfg.Peers == nil {
		s.sendError(ctx, wire.CodeWebRTCUnavailable, "no peer media transport configured")
		return
	}
	if _, err := s.ensureSession(); err != nil {
		s.log.Error("session create failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "session setup failed")
		return
	}
	if s.boundAdaptor() == nil {
		adaptor, err := s.srv.cfg.Peers.NewAdaptor(ctx, s.id)
		if err != nil {
			s.log.Error("peer adaptor create failed", "connection_id", s.id, "error", err)
			s.sendError(ctx, wire.CodeWebRTCUnavailable, "peer transport unavailable")
			return
		}
		s.bindAdaptor(adaptor)
	}

	offerCtx, cancel := context.WithTimeout(ctx, s.srv.cfg.ICEWait)
	answer, err := s.boundAdaptor().HandleOffer(offerCtx, m.Signal)
	cancel()
	switch {
	case errors.Is(err, peer.ErrSignalingUnsupported):
		// Transports like the Discord voice bridge carry media out of
		// band; binding the adaptor was all the offer needed to do.
		s.log.Debug("peer transport needs no signaling", "connection_id", s.id)
	case err != nil:
		s.log.Warn("offer rejected", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeWebRTCUnavailable, "offer rejected: "+err.Error())
		return
	}
	s.setState(StatePeerNegotiated)
	s.send(ctx, wire.NewAnswerSignal(answer))
}

func (s *Supervisor) handleSignal(ctx context.Context, m wire.Signal) {
	adaptor := s.boundAdaptor()
	if adaptor == nil {
		s.sendError(ctx, wire.CodeWebRTCUnavailable, "signal before offer")
		return
	}
	if err := adaptor.HandleSignal(ctx, m.Signal); err != nil {
		// Trickled candidates fail one at a time; the connection can
		// still come up on the rest.
		s.log.Warn("signal rejected", "connection_id", s.id, "error", err)
	}
}

// handleAudio runs a turn on a control-channel utterance, the fallback for
// clients without peer media.
func (s *Supervisor) handleAudio(ctx context.Context, m wire.Audio) {
	if len(m.Data) == 0 {
		s.sendError(ctx, wire.CodeInvalidMessage, "audio payload is empty")
		return
	}
	sess, err := s.ensureSession()
	if err != nil {
		s.log.Error("session create failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "session setup failed")
		return
	}
	if len(m.Attachments) > 0 {
		s.acceptAttachments(ctx, sess, m.Attachments)
	}
	s.startTurn(ctx, fallbackUtterance(m.Data, sess))
}

// handleAttachments queues vision payloads for the next utterance.
func (s *Supervisor) handleAttachments(ctx context.Context, atts []wire.Attachment) {
	if len(atts) == 0 {
		return
	}
	sess, err := s.ensureSession()
	if err != nil {
		s.log.Error("session create failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "session setup failed")
		return
	}
	if queued := s.acceptAttachments(ctx, sess, atts); queued > 0 {
		s.log.Debug("attachments queued", "connection_id", s.id, "count", queued)
	}
}

// acceptAttachments validates incoming vision payloads and queues the good
// ones. A reject does not block the rest of its batch; the client hears
// about the first reason once. Returns the number queued.
func (s *Supervisor) acceptAttachments(ctx context.Context, sess *session.Session, atts []wire.Attachment) int {
	var (
		accepted []llm.VisionAttachment
		firstErr error
	)
	for _, a := range atts {
		att := llm.VisionAttachment{MIMEType: a.MIMEType, Data: a.Data}
		if err := vision.Validate(att); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted = append(accepted, att)
	}
	if firstErr != nil {
		s.log.Warn("attachments rejected", "connection_id", s.id,
			"count", len(atts)-len(accepted), "error", firstErr)
		s.sendError(ctx, wire.CodeInvalidMessage, firstErr.Error())
	}
	if len(accepted) > 0 {
		sess.EnqueueAttachments(accepted...)
	}
	return len(accepted)
}

func (s *Supervisor) handlePeerEvent(ctx context.Context, ev peer.Event) {
	switch ev.Kind {
	case peer.EventTrackUp:
		if err := s.initGate(); err != nil {
			s.log.Error("vad gate init failed", "connection_id", s.id, "error", err)
			s.sendError(ctx, wire.CodeAudioProcessingError, "audio pipeline unavailable")
			return
		}
		if sink := s.currentSink(); sink != nil {
			sink.setUp(true)
		}
		s.setState(StateActive)

	case peer.EventTrackDown:
		if sink := s.currentSink(); sink != nil {
			sink.setUp(false)
		}
		// A drop mid-speech ends the utterance with what was captured.
		if s.gate != nil {
			s.handleGateEvents(ctx, s.gate.Flush())
		}

	case peer.EventControlOpen:
		s.log.Debug("peer data channel open", "connection_id", s.id)

	case peer.EventClosed:
		s.teardownPeer(ctx)
	}
}

// initGate builds the VAD gate on first track-up and resets it on
// renegotiation, so a returning track never resumes a stale half-utterance.
func (s *Supervisor) initGate() error {
	if s.gate != nil {
		s.gate.Reset()
		return nil
	}
	model, err := s.srv.cfg.NewVAD()
	if err != nil {
		return err
	}
	gate, err := vadgate.New(model, s.srv.cfg.Gate)
	if err != nil {
		return err
	}
	s.gate = gate
	return nil
}

func (s *Supervisor) handleFrame(ctx context.Context, frame audio.Frame) {
	if s.gate == nil {
		return
	}
	events, err := s.gate.ProcessPCM16(frame.Data)
	if err != nil {
		// Deformed frames repeat at frame rate; report once, log the
		// rest.
		if !s.gateFailed {
			s.gateFailed = true
			s.sendError(ctx, wire.CodeAudioProcessingError, "audio processing failed: "+err.Error())
		}
		s.log.Debug("vad gate error", "connection_id", s.id, "error", err)
		return
	}
	s.gateFailed = false
	s.handleGateEvents(ctx, events)
}

func (s *Supervisor) handleGateEvents(ctx context.Context, events []vadgate.Event) {
	for _, ev := range events {
		switch ev.Type {
		case vadgate.EventSpeechStart:
			s.speechAt = time.Now()
			s.send(ctx, wire.NewSpeechStart())
			s.bargeIn(ctx)
		case vadgate.EventSpeechEnd:
			s.send(ctx, wire.NewSpeechEnd())
			s.captureUtterance(ctx, ev.Audio)
		}
	}
}

// bargeIn cancels the in-flight turn when the caller talks over playback.
// Speech while the model is still thinking does not cancel; that utterance
// just queues behind the session's turn slot.
func (s *Supervisor) bargeIn(ctx context.Context) {
	sess := s.session()
	if sess == nil || !sess.TTSActive() {
		return
	}
	if sess.CancelActiveTurn() {
		s.metrics.RecordBargeIn(ctx)
		s.log.Info("barge-in",
			"connection_id", s.id,
			"session_id", sess.ID)
	}
}

// captureUtterance assembles gate audio into an utterance and launches a
// turn on it.
func (s *Supervisor) captureUtterance(ctx context.Context, samples []float32) {
	if _, err := s.ensureSession(); err != nil {
		s.log.Error("session create failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "session setup failed")
		return
	}
	utt := s.asm.Assemble(samples, s.speechAt, time.Now())
	s.startTurn(ctx, utt)
}

// startTurn launches a runner on utt and queues its event stream for
// forwarding. Turns serialize on the session turn slot, so a queued stream
// may idle until the prior turn unwinds.
func (s *Supervisor) startTurn(ctx context.Context, utt *utterance.Utterance) {
	sess := s.session()
	if sess == nil {
		s.sendError(ctx, wire.CodeInternalError, "no session bound")
		return
	}
	runner, err := s.buildRunner(sess)
	if err != nil {
		s.log.Error("turn runner build failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "turn setup failed")
		return
	}
	events, err := runner.RunTurn(ctx, utt)
	if err != nil {
		s.log.Error("turn start failed", "connection_id", s.id, "error", err)
		s.sendError(ctx, wire.CodeInternalError, "turn start failed")
		return
	}
	select {
	case s.turnQ <- events:
	case <-ctx.Done():
		go drainTurn(events)
	}
}

// buildRunner assembles the right runner for the current binding. Built per
// turn so each one captures the adaptor sink as it stands.
func (s *Supervisor) buildRunner(sess *session.Session) (turn.Runner, error) {
	cfg := turn.Config{
		STT:          s.srv.cfg.STT,
		LLM:          s.srv.cfg.LLM,
		TTS:          s.srv.cfg.TTS,
		Session:      sess,
		SystemPrompt: s.srv.cfg.SystemPrompt,
		Model:        s.srv.cfg.Model,
		Temperature:  s.srv.cfg.Temperature,
		MaxTokens:    s.srv.cfg.MaxTokens,
		Corrector:    s.srv.cfg.Corrector,
		Chunker:      s.srv.cfg.Chunker,
		Describer:    s.srv.cfg.Describer,
		Fabric:       s.fabric,
		Retry:        s.srv.cfg.Retry,
		Logger:       s.log,
	}
	// Assigning a nil *trackSink directly would make the interface field
	// non-nil.
	if sink := s.currentSink(); sink != nil {
		cfg.Sink = sink
	}
	if s.srv.engine != nil {
		return turn.NewPlaybookRunner(turn.PlaybookConfig{
			Config:        cfg,
			Engine:        s.srv.engine,
			Tools:         s.srv.cfg.Tools,
			MaxToolCalls:  s.srv.cfg.MaxToolCalls,
			Phase1Timeout: s.srv.cfg.Phase1Timeout,
		})
	}
	return turn.New(cfg)
}

// freshSession creates a session in the store, with a playbook runtime when
// the server runs in playbook mode.
func (s *Supervisor) freshSession() (*session.Session, error) {
	var rt *playbook.Runtime
	if s.srv.cfg.Playbook != nil {
		var err error
		rt, err = playbook.NewRuntime(s.srv.cfg.Playbook)
		if err != nil {
			return nil, fmt.Errorf("gateway: playbook runtime: %w", err)
		}
	}
	sess := s.store.Create(rt)
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	return sess, nil
}

// ensureSession returns the bound session, creating and binding one on
// first need.
func (s *Supervisor) ensureSession() (*session.Session, error) {
	if sess := s.session(); sess != nil {
		return sess, nil
	}
	sess, err := s.freshSession()
	if err != nil {
		return nil, err
	}
	s.bindSession(sess)
	return sess, nil
}

func (s *Supervisor) bindSession(sess *session.Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	s.asm = utterance.NewAssembler(sess)
}

// session returns the bound session; nil before the first bind.
func (s *Supervisor) session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *Supervisor) bindAdaptor(adaptor peer.Adaptor) {
	s.mu.Lock()
	s.adaptor = adaptor
	s.sink = newTrackSink(adaptor)
	s.mu.Unlock()
	s.frames = adaptor.Frames()
	s.peerCtrl = adaptor.Control()
	s.peerEvents = adaptor.Events()
}

func (s *Supervisor) boundAdaptor() peer.Adaptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adaptor
}

func (s *Supervisor) currentSink() *trackSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// teardownPeer drops the adaptor-scoped pipeline. The control connection and
// the session both survive; the client can renegotiate with a fresh offer.
func (s *Supervisor) teardownPeer(ctx context.Context) {
	s.mu.Lock()
	adaptor := s.adaptor
	sink := s.sink
	s.adaptor = nil
	s.sink = nil
	s.mu.Unlock()
	if adaptor == nil {
		return
	}
	// An in-flight turn still holds the old sink; flip it down so its
	// writes fall back to control-channel chunks instead of failing.
	if sink != nil {
		sink.setUp(false)
	}
	s.frames = nil
	s.peerCtrl = nil
	s.peerEvents = nil
	if s.gate != nil {
		s.handleGateEvents(ctx, s.gate.Flush())
		s.gate.Reset()
	}
	_ = adaptor.Close()
	if st := s.State(); st == StateActive || st == StatePeerNegotiated {
		s.setState(StateReady)
	}
	s.log.Info("peer torn down", "connection_id", s.id)
}

// shutdown releases connection-scoped resources. The session deliberately
// stays in the store so the client can reconnect to it.
func (s *Supervisor) shutdown() {
	s.setState(StateClosing)
	if sess := s.session(); sess != nil {
		sess.CancelActiveTurn()
	}
	if adaptor := s.boundAdaptor(); adaptor != nil {
		_ = adaptor.Close()
	}
	_ = s.conn.Close("connection closed")
	s.setState(StateClosed)
	s.log.Info("connection closed", "connection_id", s.id)
}

// send encodes msg, writes it to the control connection and mirrors it onto
// the peer data channel when one is bound. Write failures surface through
// the read pump, so callers mostly ignore the returned error.
func (s *Supervisor) send(ctx context.Context, msg any) error {
	data, err := wire.Encode(msg)
	if err != nil {
		s.log.Error("encode failed", "connection_id", s.id, "error", err)
		return err
	}
	if err := s.conn.Write(ctx, data); err != nil {
		s.log.Debug("control write failed", "connection_id", s.id, "error", err)
		return err
	}
	if adaptor := s.boundAdaptor(); adaptor != nil {
		if err := adaptor.SendControl(ctx, data); err != nil {
			s.log.Debug("mirror write failed", "connection_id", s.id, "error", err)
		}
	}
	return nil
}

// sendError reports a supervisor-level terminal error and counts it. Turn
// errors arrive pre-counted through the event stream and go out via send.
func (s *Supervisor) sendError(ctx context.Context, code wire.ErrorCode, msg string) {
	s.metrics.RecordError(ctx, code.Component())
	s.send(ctx, wire.NewError(code, msg))
}

// setState advances the lifecycle state. Closing and Closed are final;
// attempts to move backwards past them are ignored.
func (s *Supervisor) setState(v State) {
	s.mu.Lock()
	old := s.state
	if old >= StateClosing && v < old {
		s.mu.Unlock()
		return
	}
	s.state = v
	s.mu.Unlock()
	if old != v {
		s.log.Debug("connection state",
			"connection_id", s.id,
			"from", old.String(),
			"to", v.String())
	}
}

// State reports the connection's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enterTurn flips the state to TurnInFlight and returns what to restore.
func (s *Supervisor) enterTurn() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev < StateClosing {
		s.state = StateTurnInFlight
	}
	return prev
}

func (s *Supervisor) leaveTurn(prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTurnInFlight {
		s.state = prev
	}
}

// fallbackUtterance wraps control-channel audio as an assembled utterance.
// RIFF payloads pass through; anything else is treated as raw 16 kHz mono
// PCM.
func fallbackUtterance(data []byte, src utterance.AttachmentSource) *utterance.Utterance {
	utt := &utterance.Utterance{}
	if len(data) > wavHeaderSize && bytes.HasPrefix(data, []byte("RIFF")) {
		utt.WAV = data
		utt.PCM = data[wavHeaderSize:]
	} else {
		utt.PCM = data
		utt.WAV = audio.WrapWAV(data, audio.STTRate, 1)
	}
	now := time.Now()
	utt.SpeechEnd = now
	utt.SpeechStart = now.Add(-utt.AudioDuration())
	if src != nil {
		utt.Attachments = src.DrainAttachments()
	}
	return utt
}
