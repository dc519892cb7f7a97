package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livetranslate/core"
	"livetranslate/handlers/conversation"
	"livetranslate/metrics"
	"livetranslate/protocol"
)

// Session is the transport the coordinator drives. webrtc.PeerSession
// implements it.
type Session interface {
	Connect(ctx context.Context, initial protocol.SessionConfig) error
	Disconnect()
	Send(msg protocol.OutboundMessage) error
	Mute()
	Unmute()
	IsMuted() bool
}

type Option func(*Coordinator)

func WithLogger(logger *core.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithAudioIO makes Connect configure the audio manager first and lets the
// coordinator react to route changes and interruptions.
func WithAudioIO(manager core.AudioIOManager) Option {
	return func(c *Coordinator) { c.audio = manager }
}

func WithConversation(log *conversation.Log) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator is the turn-taking state machine. Every field below mu is
// guarded by it; gestures and inbound events both take it, and the sends a
// transition makes happen while it is held so wire order matches transition
// order.
type Coordinator struct {
	config  Config
	session Session
	audio   core.AudioIOManager
	log     *conversation.Log
	logger  *core.Logger
	metrics *metrics.Metrics
	gate    *HoldGate

	stop     chan struct{}
	stopOnce sync.Once
	watchWG  sync.WaitGroup

	mu          sync.Mutex
	conn        ConnectionState
	epoch       uint64
	sessionCfg  protocol.SessionConfig
	vadTuning   protocol.TurnDetectionConfig
	lastError   string
	lostCause   error
	subs        map[int]chan Snapshot
	nextSub     int
	interrupt   *time.Timer
	interruptID uint64

	// VAD flags.
	speaking       bool
	translating    bool
	outputSpeaking bool
	vadBuffered    bool

	// PTT turn tracking.
	mic              MicTurnState
	turnSeq          TurnID
	turn             TurnID
	turnStarted      time.Time
	awaitingResponse bool
	awaitingOutput   bool
	outputBuffered   bool
	pending          []TurnID
	responses        map[string]TurnID
}

func NewCoordinator(config Config, initial protocol.SessionConfig, session Session, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if config.InterruptionPolicy == "" {
		config.InterruptionPolicy = def.InterruptionPolicy
	}
	if config.InterruptionGrace <= 0 {
		config.InterruptionGrace = def.InterruptionGrace
	}
	if config.HoldConfirmDelay < 0 {
		config.HoldConfirmDelay = 0
	}

	c := &Coordinator{
		config:     config,
		session:    session,
		logger:     core.GetLogger(),
		stop:       make(chan struct{}),
		conn:       ConnectionState{Phase: PhaseDisconnected},
		sessionCfg: initial,
		vadTuning:  protocol.DefaultServerVAD(),
		subs:       make(map[int]chan Snapshot),
		mic:        MicIdle,
		responses:  make(map[string]TurnID),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = conversation.NewLog(conversation.WithLogger(c.logger))
	}
	if initial.TurnDetection.Enabled() {
		c.vadTuning = initial.TurnDetection
	}
	c.logger = c.logger.With(map[string]interface{}{"component": "turn_coordinator"})
	c.gate = NewHoldGate(config.HoldConfirmDelay, c.onHoldConfirmed, c.onHoldReleased)

	if c.audio != nil {
		c.watchWG.Add(1)
		go c.watchAudio(c.audio.Notifications())
	}
	return c
}

// Connect brings up the session with the current config. Only one connect
// may be in flight; the slow steps run without the coordinator lock.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn.Phase == PhaseConnecting || c.conn.Phase == PhaseConnected {
		c.mu.Unlock()
		return core.ErrAlreadyConnected
	}
	c.epoch++
	epoch := c.epoch
	cfg := c.sessionCfg
	c.lastError = ""
	c.lostCause = nil
	c.resetTurnLocked()
	c.forgetResponsesLocked()
	c.resetVADLocked()
	c.setConnLocked(ConnectionState{Phase: PhaseConnecting})

	if err := cfg.Validate(); err != nil {
		err = &core.ConnectError{Stage: core.StageConfig, Err: err}
		c.setConnLocked(ConnectionState{Phase: PhaseError, Message: err.Error()})
		c.publishLocked()
		c.mu.Unlock()
		return err
	}
	if modeOf(cfg) == ModeVAD {
		c.session.Unmute()
	} else {
		c.session.Mute()
	}
	c.publishLocked()
	c.mu.Unlock()

	err := c.connectSession(ctx, cfg)

	c.mu.Lock()
	if c.epoch != epoch {
		// Disconnect ran while we were connecting. Its teardown may have
		// come before the session existed, so tear down what we built.
		idle := c.conn.Phase == PhaseDisconnected || c.conn.Phase == PhaseError
		c.mu.Unlock()
		if err == nil {
			c.session.Disconnect()
			err = &core.ConnectError{Stage: core.StageSession, Err: core.ErrOpenCancelled}
		}
		if c.audio != nil && idle {
			c.audio.Deactivate()
		}
		return err
	}
	lost := err == nil && c.lostCause != nil
	if lost {
		err = &core.ConnectError{Stage: core.StageSession, Err: c.lostCause}
	}
	if err != nil {
		c.setConnLocked(ConnectionState{Phase: PhaseError, Message: err.Error()})
		c.publishLocked()
		c.mu.Unlock()
		if lost {
			c.session.Disconnect()
		}
		if c.audio != nil {
			c.audio.Deactivate()
		}
		return err
	}
	c.setConnLocked(ConnectionState{Phase: PhaseConnected})
	c.publishLocked()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) connectSession(ctx context.Context, cfg protocol.SessionConfig) error {
	if c.audio != nil {
		if err := c.audio.Configure(ctx); err != nil {
			return &core.ConnectError{Stage: core.StageAudio, Err: err}
		}
	}
	return c.session.Connect(ctx, cfg)
}

// Disconnect is valid from any state, including mid-connect, and releases
// every pending timer.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.epoch++
	wasIdle := c.conn.Phase == PhaseDisconnected
	c.stopInterruptLocked()
	c.gate.Stop()
	c.resetTurnLocked()
	c.forgetResponsesLocked()
	c.resetVADLocked()
	c.setConnLocked(ConnectionState{Phase: PhaseDisconnected})
	c.publishLocked()
	c.mu.Unlock()

	c.session.Disconnect()
	if c.audio != nil && !wasIdle {
		c.audio.Deactivate()
	}
}

// HandleClosed is wired as the session's closed handler. It fires when an
// established connection drops without Disconnect. A drop before Connect has
// returned fails that connect instead.
func (c *Coordinator) HandleClosed(cause error) {
	if cause == nil {
		cause = core.ErrPeerClosed
	}
	c.mu.Lock()
	switch c.conn.Phase {
	case PhaseConnecting:
		c.lostCause = cause
		c.mu.Unlock()
		return
	case PhaseConnected:
	default:
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.stopInterruptLocked()
	c.gate.Stop()
	c.resetTurnLocked()
	c.forgetResponsesLocked()
	c.resetVADLocked()
	c.lastError = "connection lost: " + cause.Error()
	c.setConnLocked(ConnectionState{Phase: PhaseDisconnected})
	c.publishLocked()
	c.mu.Unlock()

	if c.audio != nil {
		c.audio.Deactivate()
	}
}

func (c *Coordinator) Mute() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Mute()
	c.publishLocked()
}

// Unmute opens the microphone in VAD mode. In push-to-talk the microphone
// belongs to the turn, so Unmute outside a recording turn is rejected.
func (c *Coordinator) Unmute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if modeOf(c.sessionCfg) == ModePTT && c.mic != MicRecording {
		return fmt.Errorf("%w: unmute in push-to-talk while %s", core.ErrInvalidTransition, c.mic)
	}
	c.session.Unmute()
	c.publishLocked()
	return nil
}

// Press starts a push-to-talk turn. Valid only while connected, in PTT mode
// and idle.
func (c *Coordinator) Press() (TurnID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.Phase != PhaseConnected {
		return 0, core.ErrNotConnected
	}
	if modeOf(c.sessionCfg) != ModePTT {
		return 0, fmt.Errorf("%w: press in vad mode", core.ErrInvalidTransition)
	}
	if c.mic != MicIdle {
		return 0, fmt.Errorf("%w: press while %s", core.ErrInvalidTransition, c.mic)
	}

	c.turnSeq++
	c.turn = c.turnSeq
	c.turnStarted = time.Now()
	c.pruneResponsesLocked()
	c.session.Unmute()
	c.mic = MicRecording
	c.lastError = ""
	c.metrics.RecordTurnStarted()
	c.logger.With(map[string]any{"turn": c.turn}).Debug("Turn: recording")
	c.publishLocked()
	return c.turn, nil
}

// Release ends capture and asks for a response: commit and create go out
// back to back. A failed send resets only this turn.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mic != MicRecording {
		return fmt.Errorf("%w: release while %s", core.ErrInvalidTransition, c.mic)
	}

	c.session.Mute()
	if err := c.session.Send(protocol.InputAudioBufferCommit{}); err != nil {
		return c.failTurnLocked("commit", err)
	}
	if err := c.session.Send(protocol.ResponseCreate{}); err != nil {
		return c.failTurnLocked("response.create", err)
	}
	c.pending = append(c.pending, c.turn)
	c.awaitingResponse = true
	c.awaitingOutput = true
	c.mic = MicProcessing
	c.logger.With(map[string]any{"turn": c.turn}).Debug("Turn: processing")
	c.publishLocked()
	return nil
}

// Cancel abandons the current turn without waiting for the server. Events
// that arrive later for it are dropped as stale.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate.Stop()
	if c.mic == MicIdle {
		return fmt.Errorf("%w: cancel while idle", core.ErrInvalidTransition)
	}

	c.session.Mute()
	var errs []error
	if err := c.session.Send(protocol.ResponseCancel{ResponseID: c.responseOfLocked(c.turn)}); err != nil {
		errs = append(errs, err)
	}
	if err := c.session.Send(protocol.InputAudioBufferClear{}); err != nil {
		errs = append(errs, err)
	}
	c.logger.With(map[string]any{"turn": c.turn, "from": c.mic}).Info("Turn: cancelled")
	c.metrics.RecordTurnCancelled()
	c.resetTurnLocked()

	err := errors.Join(errs...)
	if err != nil {
		c.lastError = "cancel: " + err.Error()
	}
	c.publishLocked()
	return err
}

// HoldDown and HoldUp feed a press gesture through the hold gate. A release
// before the hold is confirmed sends nothing.
func (c *Coordinator) HoldDown() { c.gate.Down() }

func (c *Coordinator) HoldUp() bool { return c.gate.Up() }

func (c *Coordinator) onHoldConfirmed() {
	if _, err := c.Press(); err != nil {
		c.logger.Debug("Turn: hold confirmed but press rejected", "error", err)
	}
}

func (c *Coordinator) onHoldReleased() {
	if err := c.Release(); err != nil {
		c.logger.Debug("Turn: release rejected", "error", err)
	}
}

// SetMode switches between VAD and push-to-talk.
func (c *Coordinator) SetMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var td protocol.TurnDetectionConfig
	switch mode {
	case ModeVAD:
		td = c.vadTuning
	case ModePTT:
		td = protocol.DisabledTurnDetection()
	default:
		return fmt.Errorf("%w: unknown mode %q", core.ErrConfigInvalid, mode)
	}
	return c.applyConfigLocked(c.sessionCfg.WithTurnDetection(td))
}

// UpdateSessionConfig replaces the whole session config. While connected the
// new config is pushed with session.update; if that fails nothing changes.
func (c *Coordinator) UpdateSessionConfig(cfg protocol.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyConfigLocked(cfg)
}

func (c *Coordinator) applyConfigLocked(next protocol.SessionConfig) error {
	prevMode := modeOf(c.sessionCfg)
	nextMode := modeOf(next)

	if c.conn.Phase == PhaseConnected {
		if err := c.session.Send(protocol.SessionUpdate{Session: next}); err != nil {
			c.logger.With(map[string]any{"mode": prevMode, "error": err}).Warn("Turn: session update failed, keeping previous config")
			return fmt.Errorf("turn: session update: %w", err)
		}
	}

	c.sessionCfg = next
	if next.TurnDetection.Enabled() {
		c.vadTuning = next.TurnDetection
	}
	if prevMode != nextMode {
		c.gate.Stop()
		c.resetTurnLocked()
		c.resetVADLocked()
		if c.conn.Phase == PhaseConnected {
			if nextMode == ModeVAD {
				c.session.Unmute()
			} else {
				c.session.Mute()
			}
		}
		c.logger.With(map[string]any{"from": prevMode, "to": nextMode}).Info("Turn: mode switched")
	}
	c.publishLocked()
	return nil
}

// ClearHistory empties the transcript and its backing store.
func (c *Coordinator) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Clear()
	c.publishLocked()
}

// SetRoute forwards a speaker preference to the audio manager.
func (c *Coordinator) SetRoute(route core.AudioRoute) error {
	if c.audio == nil {
		return nil
	}
	return c.audio.SetRoute(route)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel holding the latest snapshot. Slow readers skip
// intermediate states. Call the returned func to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Close disconnects and stops the audio watcher.
func (c *Coordinator) Close() {
	c.Disconnect()
	c.stopOnce.Do(func() { close(c.stop) })
	c.watchWG.Wait()
}

// HandleEvent is wired as the session's event handler.
func (c *Coordinator) HandleEvent(ev protocol.InboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn.Phase != PhaseConnected && c.conn.Phase != PhaseConnecting {
		return
	}

	switch e := ev.(type) {
	case protocol.SessionCreated, protocol.SessionUpdated:
		c.logger.Debug("Turn: session acknowledged", "type", ev.EventType())
		return

	case protocol.ConversationItemCreated:
		if !c.log.ItemCreated(e.ItemID, conversation.ParseRole(e.Role), e.Text) {
			return
		}

	case protocol.InputTranscriptionCompleted:
		c.log.SetInputTranscript(e.ItemID, e.Transcript)

	case protocol.SpeechStarted:
		if c.isVADLocked() {
			c.speaking = true
		}

	case protocol.SpeechStopped:
		if c.isVADLocked() {
			c.speaking = false
			c.translating = true
		}

	case protocol.InputAudioBufferCommitted:
		return

	case protocol.ResponseCreated:
		c.bindResponseLocked(e.ResponseID)
		if c.isVADLocked() {
			c.translating = true
		}

	case protocol.ResponseAudioDelta:
		c.outputBeganLocked(ev.EventType(), e.ResponseID, false)

	case protocol.ResponseTranscriptDelta:
		c.log.AppendDelta(e.ItemID, e.Delta)
		c.outputBeganLocked(ev.EventType(), e.ResponseID, false)

	case protocol.ResponseTranscriptDone:
		c.log.CompleteTranscript(e.ItemID, e.Transcript)

	case protocol.OutputAudioStarted:
		c.outputBeganLocked(ev.EventType(), e.ResponseID, true)

	case protocol.OutputEnded:
		c.outputEndedLocked(e)

	case protocol.ServerError:
		c.lastError = e.Message
		c.logger.With(map[string]any{"code": e.Code, "kind": e.Kind}).Warn("Turn: server error", "message", e.Message)

	default:
		c.logger.Trace("Turn: ignoring event", "type", ev.EventType())
		return
	}
	c.publishLocked()
}

func (c *Coordinator) isVADLocked() bool {
	return modeOf(c.sessionCfg) == ModeVAD
}

// bindResponseLocked ties a server response to the turn whose
// response.create it answers.
func (c *Coordinator) bindResponseLocked(responseID string) {
	if len(c.pending) == 0 || responseID == "" {
		return
	}
	t := c.pending[0]
	c.pending = c.pending[1:]
	c.responses[responseID] = t
	if t == c.turn {
		c.awaitingResponse = false
	}
}

// turnForLocked resolves a response-scoped event to its turn. An event with
// no response id belongs to whatever turn is currently awaited.
func (c *Coordinator) turnForLocked(responseID string) TurnID {
	if responseID == "" {
		if c.awaitingOutput || c.mic == MicSpeaking {
			return c.turn
		}
		return 0
	}
	return c.responses[responseID]
}

func (c *Coordinator) responseOfLocked(t TurnID) string {
	if t == 0 {
		return ""
	}
	for id, bound := range c.responses {
		if bound == t {
			return id
		}
	}
	return ""
}

func (c *Coordinator) outputBeganLocked(eventType, responseID string, buffered bool) {
	if c.isVADLocked() {
		c.outputSpeaking = true
		if buffered {
			c.vadBuffered = true
		}
		return
	}

	t := c.turnForLocked(responseID)
	if t == 0 || t != c.turn {
		c.metrics.RecordStale(eventType)
		return
	}
	if buffered {
		c.outputBuffered = true
	}
	if c.mic == MicProcessing && c.awaitingOutput {
		c.mic = MicSpeaking
		c.awaitingResponse = false
		c.logger.With(map[string]any{"turn": t}).Debug("Turn: speaking")
	}
}

func (c *Coordinator) outputEndedLocked(e protocol.OutputEnded) {
	stopped := e.Source == protocol.TypeOutputAudioBufferStopped

	if c.isVADLocked() {
		if e.Source != protocol.TypeResponseAudioDone {
			c.translating = false
		}
		if stopped || !c.vadBuffered {
			c.outputSpeaking = false
			c.vadBuffered = false
		}
		return
	}

	t := c.turnForLocked(e.ResponseID)
	if t == 0 || t != c.turn {
		c.metrics.RecordStale(e.Source)
		return
	}
	if c.outputBuffered && !stopped {
		// Playback is still draining; wait for output_audio_buffer.stopped.
		return
	}
	if c.mic != MicProcessing && c.mic != MicSpeaking {
		return
	}
	c.metrics.RecordTurnCompleted(time.Since(c.turnStarted))
	c.logger.With(map[string]any{"turn": t, "source": e.Source}).Debug("Turn: completed")
	c.resetTurnLocked()
}

func (c *Coordinator) failTurnLocked(step string, err error) error {
	c.logger.With(map[string]any{"turn": c.turn, "error": err}).Warn("Turn: " + step + " failed")
	c.resetTurnLocked()
	c.lastError = step + ": " + err.Error()
	c.publishLocked()
	return fmt.Errorf("turn: %s: %w", step, err)
}

// resetTurnLocked returns to Idle and forgets the current turn. Response
// bindings stay so late events for it are recognised as stale.
func (c *Coordinator) resetTurnLocked() {
	c.mic = MicIdle
	c.turn = 0
	c.awaitingResponse = false
	c.awaitingOutput = false
	c.outputBuffered = false
}

// forgetResponsesLocked drops every pending response.create and binding. A
// new connection never answers requests made on an old one.
func (c *Coordinator) forgetResponsesLocked() {
	c.pending = nil
	for id := range c.responses {
		delete(c.responses, id)
	}
}

func (c *Coordinator) resetVADLocked() {
	c.speaking = false
	c.translating = false
	c.outputSpeaking = false
	c.vadBuffered = false
}

// pruneResponsesLocked drops bindings to finished turns once nothing can
// still be pending for them.
func (c *Coordinator) pruneResponsesLocked() {
	if len(c.pending) > 0 {
		return
	}
	for id := range c.responses {
		delete(c.responses, id)
	}
}

func (c *Coordinator) setConnLocked(s ConnectionState) {
	if s == c.conn {
		return
	}
	c.logger.With(map[string]any{"from": c.conn.String(), "to": s.String()}).Info("Turn: connection state")
	c.conn = s
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Connection:       c.conn,
		Mode:             modeOf(c.sessionCfg),
		Mic:              c.mic,
		Turn:             c.turn,
		Muted:            c.session.IsMuted(),
		IsSpeaking:       c.speaking,
		IsTranslating:    c.translating,
		IsOutputSpeaking: c.outputSpeaking,
		Config:           c.sessionCfg,
		Items:            c.log.Items(),
		LastError:        c.lastError,
	}
	if c.audio != nil {
		snap.Route = c.audio.Route()
	}
	return snap
}

func (c *Coordinator) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Coordinator) watchAudio(notes <-chan core.AudioNotification) {
	defer c.watchWG.Done()
	for {
		select {
		case <-c.stop:
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			c.handleAudioNotification(n)
		}
	}
}

func (c *Coordinator) handleAudioNotification(n core.AudioNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Kind {
	case core.AudioRouteChanged:
		c.logger.Debug("Turn: audio route changed", "route", n.Route.String())

	case core.AudioInterrupted:
		if c.conn.Phase != PhaseConnected && c.conn.Phase != PhaseConnecting {
			return
		}
		if c.config.InterruptionPolicy == InterruptionIgnore {
			c.logger.Info("Turn: audio interrupted, ignoring")
			return
		}
		c.stopInterruptLocked()
		c.interruptID++
		id := c.interruptID
		c.logger.With(map[string]any{"grace_ms": c.config.InterruptionGrace.Milliseconds()}).Warn("Turn: audio interrupted")
		c.interrupt = time.AfterFunc(c.config.InterruptionGrace, func() { c.interruptionExpired(id) })

	case core.AudioInterruptionEnded:
		if c.interrupt != nil {
			c.logger.Info("Turn: audio interruption ended")
		}
		c.stopInterruptLocked()
	}
	c.publishLocked()
}

func (c *Coordinator) interruptionExpired(id uint64) {
	c.mu.Lock()
	if id != c.interruptID || c.interrupt == nil {
		c.mu.Unlock()
		return
	}
	c.interrupt = nil
	c.mu.Unlock()

	c.logger.Warn("Turn: interruption did not end, disconnecting")
	c.Disconnect()
}

func (c *Coordinator) stopInterruptLocked() {
	if c.interrupt != nil {
		c.interrupt.Stop()
		c.interrupt = nil
	}
	c.interruptID++
}
