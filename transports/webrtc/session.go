package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"livetranslate/core"
	"livetranslate/metrics"
	"livetranslate/protocol"
	"livetranslate/services/openai/signaling"
	"livetranslate/services/openai/token"
	"livetranslate/utils/audio"
)

type Config struct {
	DataChannelLabel string        `json:"data_channel_label" yaml:"data_channel_label"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

func DefaultConfig() Config {
	return Config{
		DataChannelLabel: "oai-events",
		OpenTimeout:      8 * time.Second,
	}
}

type Option func(*PeerSession)

func WithLogger(logger *core.Logger) Option {
	return func(s *PeerSession) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *PeerSession) {
		s.metrics = m
	}
}

// WithAudioIO connects the capture track and remote playback to an audio
// manager. Without one the track is negotiated but never fed.
func WithAudioIO(manager core.AudioIOManager) Option {
	return func(s *PeerSession) {
		s.audio = manager
	}
}

// WithEventHandler receives every decoded inbound event of the current
// connection, on the transport's goroutine.
func WithEventHandler(fn func(protocol.InboundEvent)) Option {
	return func(s *PeerSession) {
		s.onEvent = fn
	}
}

// WithClosedHandler is called once when an established connection is lost
// without Disconnect being called.
func WithClosedHandler(fn func(error)) Option {
	return func(s *PeerSession) {
		s.onClosed = fn
	}
}

// PeerSession owns one peer connection, its capture track and its control
// data channel for a single connect lifecycle.
type PeerSession struct {
	config    Config
	tokens    token.Provider
	signaling signaling.Exchanger
	factory   PeerFactory
	audio     core.AudioIOManager
	logger    *core.Logger
	metrics   *metrics.Metrics
	onEvent   func(protocol.InboundEvent)
	onClosed  func(error)

	muted atomic.Bool

	mu     sync.Mutex
	active *connection
}

// connection is the state of one connect attempt. Callbacks compare against
// PeerSession.active so late events from a torn down attempt are ignored.
type connection struct {
	pc          PeerConnection
	dc          DataChannel
	track       CaptureTrack
	token       string
	opener      *openWaiter
	abort       context.CancelFunc
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	established bool
	closed      bool
	startedAt   time.Time
}

func NewPeerSession(
	config Config,
	tokens token.Provider,
	exchanger signaling.Exchanger,
	factory PeerFactory,
	opts ...Option,
) *PeerSession {
	def := DefaultConfig()
	if config.DataChannelLabel == "" {
		config.DataChannelLabel = def.DataChannelLabel
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	s := &PeerSession{
		config:    config,
		tokens:    tokens,
		signaling: exchanger,
		factory:   factory,
		logger:    core.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(map[string]interface{}{"component": "peer_session"})
	return s
}

// Connect runs the full sequence: token, peer connection, capture track, data
// channel, offer, SDP exchange, answer, bounded open wait, initial
// session.update. Any failure tears everything down and returns a
// *core.ConnectError.
func (s *PeerSession) Connect(ctx context.Context, initial protocol.SessionConfig) error {
	if err := initial.Validate(); err != nil {
		return &core.ConnectError{Stage: core.StageConfig, Err: err}
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return core.ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	stepCtx, abort := context.WithCancel(ctx)
	conn := &connection{
		opener:    newOpenWaiter(),
		abort:     abort,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	s.active = conn
	s.mu.Unlock()
	defer abort()

	s.logger.Info("connecting", "source", initial.Languages.Source, "target", initial.Languages.Target)

	if err := s.establish(stepCtx, runCtx, conn, initial); err != nil {
		s.teardown(conn)
		var ce *core.ConnectError
		if errors.As(err, &ce) {
			s.metrics.RecordConnect(string(ce.Stage), 0)
		}
		s.logger.Error("connect failed", "error", err)
		return err
	}

	s.metrics.RecordConnect("ok", time.Since(conn.startedAt))
	s.logger.Info("connected", "elapsed_ms", time.Since(conn.startedAt).Milliseconds())
	return nil
}

func (s *PeerSession) establish(ctx, runCtx context.Context, conn *connection, initial protocol.SessionConfig) error {
	fail := func(stage core.ConnectStage, err error) error {
		if conn.isClosed(&s.mu) && !errors.Is(err, core.ErrOpenCancelled) {
			err = fmt.Errorf("%w: %v", core.ErrOpenCancelled, err)
		}
		return &core.ConnectError{Stage: stage, Err: err}
	}

	tok, err := s.tokens.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrTokenFetchFailed) {
			err = fmt.Errorf("%w: %v", core.ErrTokenFetchFailed, err)
		}
		return fail(core.StageToken, err)
	}

	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		return fail(core.StagePeer, err)
	}
	if !s.attach(conn, func() { conn.pc = pc; conn.token = tok }) {
		pc.Close()
		return fail(core.StagePeer, core.ErrOpenCancelled)
	}

	pc.OnStateChange(func(state ConnectionState) { s.handlePeerState(conn, state) })
	pc.OnRemoteAudio(func(remote RemoteAudio) { s.startPlayback(runCtx, conn, remote) })

	track, err := pc.AddCaptureTrack()
	if err != nil {
		return fail(core.StagePeer, err)
	}
	dc, err := pc.CreateDataChannel(s.config.DataChannelLabel)
	if err != nil {
		return fail(core.StagePeer, err)
	}
	dc.OnOpen(func() { conn.opener.resolve(nil) })
	dc.OnClose(func() { s.handleChannelClosed(conn) })
	dc.OnMessage(func(data []byte) { s.handleMessage(conn, data) })
	if !s.attach(conn, func() { conn.track = track; conn.dc = dc }) {
		dc.Close()
		return fail(core.StagePeer, core.ErrOpenCancelled)
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return fail(core.StageOffer, err)
	}
	answer, err := s.signaling.Exchange(ctx, tok, offer)
	if err != nil {
		return fail(core.StageSignaling, err)
	}
	if err := pc.SetAnswer(answer); err != nil {
		return fail(core.StageAnswer, err)
	}

	if dc.IsOpen() {
		conn.opener.resolve(nil)
	}
	if err := conn.opener.wait(ctx, s.config.OpenTimeout); err != nil {
		return fail(core.StageDataChannel, err)
	}

	if err := s.Send(protocol.SessionUpdate{Session: initial}); err != nil {
		return fail(core.StageSession, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.closed {
		return &core.ConnectError{Stage: core.StageSession, Err: core.ErrOpenCancelled}
	}
	conn.established = true
	if s.audio != nil {
		conn.wg.Add(1)
		go s.pumpCapture(runCtx, conn, track)
	}
	return nil
}

func (s *PeerSession) attach(conn *connection, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.closed {
		return false
	}
	apply()
	return true
}

func (c *connection) isClosed(mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	return c.closed
}

// Disconnect closes the channel, then the connection, and clears the token.
// It is safe to call at any time, any number of times. A connect in progress
// fails with core.ErrOpenCancelled.
func (s *PeerSession) Disconnect() {
	s.mu.Lock()
	conn := s.active
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if s.teardown(conn) {
		s.logger.Info("disconnected")
	}
}

// teardown releases every resource of conn exactly once. It must not be
// called with s.mu held.
func (s *PeerSession) teardown(conn *connection) bool {
	s.mu.Lock()
	if conn.closed {
		s.mu.Unlock()
		return false
	}
	conn.closed = true
	if s.active == conn {
		s.active = nil
	}
	wasEstablished := conn.established
	pc, dc := conn.pc, conn.dc
	conn.pc, conn.dc, conn.track = nil, nil, nil
	conn.token = ""
	s.mu.Unlock()

	conn.opener.resolve(core.ErrOpenCancelled)
	conn.abort()
	conn.cancel()

	if dc != nil {
		if err := dc.Close(); err != nil {
			s.logger.Debug("data channel close", "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer connection close", "error", err)
		}
	}
	conn.wg.Wait()

	if wasEstablished {
		s.metrics.RecordDisconnect()
	}
	return true
}

// Send writes one control message. It fails with core.ErrChannelNotOpen
// unless the data channel is open.
func (s *PeerSession) Send(msg protocol.OutboundMessage) error {
	s.mu.Lock()
	var dc DataChannel
	if s.active != nil && !s.active.closed {
		dc = s.active.dc
	}
	s.mu.Unlock()

	if dc == nil || !dc.IsOpen() {
		s.metrics.RecordOutbound(msg.OutboundType(), core.ErrChannelNotOpen)
		return core.ErrChannelNotOpen
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.metrics.RecordOutbound(msg.OutboundType(), err)
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		s.metrics.RecordOutbound(msg.OutboundType(), err)
		return fmt.Errorf("webrtc: send %s: %w", msg.OutboundType(), err)
	}
	s.metrics.RecordOutbound(msg.OutboundType(), nil)
	s.logger.Debug("sent", "type", msg.OutboundType())
	return nil
}

// Mute makes the capture track emit silence. The state is kept across
// connects; without a track there is nothing else to do.
func (s *PeerSession) Mute() {
	if !s.muted.Swap(true) {
		s.logger.Debug("capture muted")
	}
}

func (s *PeerSession) Unmute() {
	if s.muted.Swap(false) {
		s.logger.Debug("capture unmuted")
	}
}

func (s *PeerSession) IsMuted() bool {
	return s.muted.Load()
}

// IsConnected reports whether the last connect completed and has not been
// torn down since.
func (s *PeerSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.established
}

func (s *PeerSession) isCurrent(conn *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == conn && !conn.closed
}

func (s *PeerSession) handleMessage(conn *connection, data []byte) {
	if !s.isCurrent(conn) {
		return
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		s.metrics.RecordMalformed()
		s.logger.Warn("dropping malformed event", "error", err)
		return
	}
	s.metrics.RecordInbound(ev.EventType())
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *PeerSession) handleChannelClosed(conn *connection) {
	if conn.opener.resolve(core.ErrDataChannelClosedBeforeOpen) {
		return
	}
	s.lost(conn, fmt.Errorf("%w: data channel closed", core.ErrPeerClosed))
}

func (s *PeerSession) handlePeerState(conn *connection, state ConnectionState) {
	s.logger.Info("peer connection state changed", "state", state.String())
	switch state {
	case PeerStateFailed, PeerStateClosed:
		err := fmt.Errorf("%w: %s", core.ErrPeerClosed, state)
		if conn.opener.resolve(err) {
			return
		}
		s.lost(conn, err)
	}
}

// lost handles an established connection dropping on its own.
func (s *PeerSession) lost(conn *connection, cause error) {
	s.mu.Lock()
	established := s.active == conn && !conn.closed && conn.established
	s.mu.Unlock()
	if !established {
		return
	}
	s.logger.Warn("connection lost", "error", cause)
	if s.teardown(conn) && s.onClosed != nil {
		s.onClosed(cause)
	}
}

func (s *PeerSession) pumpCapture(ctx context.Context, conn *connection, track CaptureTrack) {
	defer conn.wg.Done()
	target := track.Format()

	for {
		chunk, err := s.audio.ReadCapture(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Warn("capture stopped", "error", err)
			}
			return
		}
		muted := s.muted.Load()
		if muted && chunk.Format == core.PCM {
			chunk.Data = audio.Silence(len(chunk.Data))
		}
		frame, err := audio.ConvertAudioChunk(chunk, target.Format, target.Channels, target.SampleRate)
		if err != nil {
			s.logger.Warn("dropping capture frame", "error", err)
			continue
		}
		if err := track.WriteFrame(frame.Data, chunk.Duration()); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			s.logger.Warn("write capture frame", "error", err)
			continue
		}
		s.metrics.RecordCaptureFrame(muted)
	}
}

func (s *PeerSession) startPlayback(ctx context.Context, conn *connection, remote RemoteAudio) {
	s.mu.Lock()
	if conn.closed {
		s.mu.Unlock()
		return
	}
	conn.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer conn.wg.Done()
		in := remote.Format()
		var out core.AudioChunk
		if s.audio != nil {
			out = s.audio.CaptureFormat()
		}
		for {
			payload, err := remote.ReadPayload()
			if err != nil || ctx.Err() != nil {
				return
			}
			if s.audio == nil || len(payload) == 0 {
				continue
			}
			in.Data = payload
			pcm, err := audio.ConvertAudioChunk(in, core.PCM, out.Channels, out.SampleRate)
			if err != nil {
				s.logger.Warn("dropping playback frame", "error", err)
				continue
			}
			if err := s.audio.WritePlayback(pcm); err != nil {
				s.logger.Warn("write playback", "error", err)
				continue
			}
			s.metrics.RecordPlayback(len(pcm.Data))
		}
	}()
}
