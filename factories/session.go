package factories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"livetranslate/controlplane"
	"livetranslate/core"
	sessionevents "livetranslate/events/session"
	"livetranslate/handlers/conversation"
	"livetranslate/handlers/turn"
	"livetranslate/metrics"
	"livetranslate/protocol"
	"livetranslate/services/fileaudio"
	"livetranslate/services/openai/signaling"
	"livetranslate/services/openai/token"
	"livetranslate/transports/webrtc"
)

// Session is one fully wired translation client: transport, coordinator,
// conversation log and the optional observer and control plane surfaces.
type Session struct {
	ID           string
	Settings     SettingsConfig
	Logger       *core.Logger
	Metrics      *metrics.Metrics
	Audio        *fileaudio.Manager
	Conversation *conversation.Log
	Peer         *webrtc.PeerSession
	Coordinator  *turn.Coordinator
	Observer     *core.ExternalEventHandler
	ControlPlane *controlplane.Client

	redis     *conversation.RedisStore
	logWriter core.LogWriter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type buildOptions struct {
	peers     webrtc.PeerFactory
	exchanger signaling.Exchanger
	tokens    token.Provider
	metrics   *metrics.Metrics
}

type BuildOption func(*buildOptions)

// WithPeerFactory replaces the pion factory. Tests pass a fake.
func WithPeerFactory(f webrtc.PeerFactory) BuildOption {
	return func(o *buildOptions) { o.peers = f }
}

func WithExchanger(e signaling.Exchanger) BuildOption {
	return func(o *buildOptions) { o.exchanger = e }
}

func WithTokenProvider(p token.Provider) BuildOption {
	return func(o *buildOptions) { o.tokens = p }
}

func WithMetrics(m *metrics.Metrics) BuildOption {
	return func(o *buildOptions) { o.metrics = m }
}

// BuildSession wires every component from settings. Nothing touches the
// network except the optional session API fetch and the Redis ping; call
// Start to bring up the observer and control plane, then
// Coordinator.Connect.
func BuildSession(ctx context.Context, settings SettingsConfig, logger *core.Logger, opts ...BuildOption) (*Session, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if settings.SessionAPI != nil && settings.SessionAPI.URL != "" {
		cfg, err := settings.SessionAPI.Fetch(ctx, settings.Session)
		if err != nil {
			return nil, err
		}
		settings.Session = cfg
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		Settings: settings,
		Metrics:  o.metrics,
	}
	if s.Metrics == nil {
		s.Metrics = metrics.New(settings.Metrics.Namespace)
	}

	if settings.ControlPlane != nil {
		s.ControlPlane = controlplane.NewClient(settings.ControlPlaneConfig(logger))
	}

	switch {
	case settings.Logging.Dir != "":
		w, err := core.NewSessionLogWriter(settings.Logging.Dir, core.SessionMetadata{
			SessionID:      s.ID,
			SourceLanguage: settings.Session.Languages.Source,
			TargetLanguage: settings.Session.Languages.Target,
			Mode:           string(turnMode(settings)),
		})
		if err != nil {
			logger.With(map[string]interface{}{"error": err}).Warn("session log file unavailable")
		} else {
			s.logWriter = w
		}
	case s.ControlPlane != nil:
		s.logWriter = controlplane.NewWSLogWriter(s.ControlPlane, s.ID)
	}
	s.Logger = core.NewSessionLogger(logger, s.logWriter).With(map[string]interface{}{"session_id": s.ID})

	s.Audio = fileaudio.New(settings.Audio, s.Logger)
	s.Conversation = conversation.NewLog(
		conversation.WithStore(s.buildStore(ctx)),
		conversation.WithLogger(s.Logger),
	)
	if err := s.Conversation.Restore(ctx); err != nil {
		s.Logger.With(map[string]interface{}{"error": err}).Warn("could not restore conversation")
	}

	peers := o.peers
	if peers == nil {
		f, err := webrtc.NewPionFactory(settings.WebRTC.ICEServers, s.Logger)
		if err != nil {
			s.release()
			return nil, fmt.Errorf("factories: webrtc: %w", err)
		}
		peers = f
	}
	exchanger := o.exchanger
	if exchanger == nil {
		exchanger = signaling.NewClient(settings.SignalingConfig(), s.Logger)
	}
	tokens := o.tokens
	if tokens == nil {
		tokens = settings.TokenProvider(s.Logger)
	}

	// Inbound events only flow after Coordinator.Connect, so the closures
	// never see a nil coordinator.
	s.Peer = webrtc.NewPeerSession(settings.WebRTCConfig(), tokens, exchanger, peers,
		webrtc.WithLogger(s.Logger),
		webrtc.WithMetrics(s.Metrics),
		webrtc.WithAudioIO(s.Audio),
		webrtc.WithEventHandler(func(ev protocol.InboundEvent) { s.Coordinator.HandleEvent(ev) }),
		webrtc.WithClosedHandler(func(err error) { s.Coordinator.HandleClosed(err) }),
	)
	s.Coordinator = turn.NewCoordinator(settings.TurnConfig(), settings.Session, s.Peer,
		turn.WithLogger(s.Logger),
		turn.WithMetrics(s.Metrics),
		turn.WithAudioIO(s.Audio),
		turn.WithConversation(s.Conversation),
	)

	if settings.Observer.Enabled {
		s.Observer = core.NewExternalEventHandler(settings.Observer.Addr, s.Logger)
		s.Observer.RegisterInputEvent((&sessionevents.CommandEvent{}).GetId(), func() core.IExternalInputEvent {
			return &sessionevents.CommandEvent{}
		})
		s.Observer.RegisterInputEvent((&sessionevents.ConfigEvent{}).GetId(), func() core.IExternalInputEvent {
			return &sessionevents.ConfigEvent{}
		})
		s.Observer.OnInput(s.handleInput)
	}

	if s.ControlPlane != nil {
		s.ControlPlane.OnCommand = func(ctx context.Context, cmd controlplane.Command) error {
			return controlplane.Dispatch(ctx, s.Coordinator, cmd)
		}
		s.ControlPlane.OnConfigUpdate = func(raw json.RawMessage, _ map[string]string) error {
			return controlplane.ApplySettings(s.Coordinator, raw)
		}
		s.ControlPlane.State = func() controlplane.HeartbeatState {
			snap := s.Coordinator.Snapshot()
			return controlplane.HeartbeatState{
				Connection: string(snap.Connection.Phase),
				Mode:       string(snap.Mode),
				Mic:        string(snap.Mic),
			}
		}
	}

	return s, nil
}

func turnMode(settings SettingsConfig) turn.Mode {
	if settings.Session.TurnDetection.Enabled() {
		return turn.ModeVAD
	}
	return turn.ModePTT
}

// buildStore picks the transcript store. An unreachable Redis degrades to
// memory so a session can still run.
func (s *Session) buildStore(ctx context.Context) conversation.Store {
	if s.Settings.Conversation.Store != "redis" {
		return conversation.NewMemoryStore()
	}
	rs, err := conversation.NewRedisStore(ctx, s.Settings.RedisConfig())
	if err != nil {
		s.Logger.With(map[string]interface{}{"error": err}).Warn("redis unavailable, keeping transcript in memory")
		return conversation.NewMemoryStore()
	}
	s.redis = rs
	return rs
}

// Start brings up the observer and control plane and begins forwarding
// snapshots to them. It does not connect the translation session.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.ControlPlane != nil {
		if err := s.ControlPlane.Connect(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}

	if s.Observer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Observer.Serve(s.ctx); err != nil {
				s.Logger.With(map[string]interface{}{"error": err}).Error("observer stopped")
			}
		}()
	}

	if s.Observer != nil || s.ControlPlane != nil {
		snaps, unsubscribe := s.Coordinator.Subscribe()
		b := newBridge(s.publish)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer unsubscribe()
			b.run(s.ctx, snaps)
		}()
	}
	return nil
}

func (s *Session) publish(ev core.IEvent) {
	if s.Observer != nil {
		s.Observer.Broadcast(core.NewEventPacket(ev, "session"))
	}
	if s.ControlPlane != nil {
		s.ControlPlane.PublishEvent(s.ID, ev)
	}
}

func (s *Session) handleInput(p *core.EventPacket) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger := s.Logger.With(map[string]interface{}{"event": p.Event.GetId(), "relayer": p.Relayer})

	switch ev := p.Event.(type) {
	case *sessionevents.CommandEvent:
		if ev.Name == controlplane.CmdConnect {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := controlplane.Dispatch(ctx, s.Coordinator, ev.Command); err != nil {
					logger.With(map[string]interface{}{"error": err}).Warn("observer connect failed")
				}
			}()
			return
		}
		if err := controlplane.Dispatch(ctx, s.Coordinator, ev.Command); err != nil {
			logger.With(map[string]interface{}{"error": err, "command": ev.Name}).Warn("observer command rejected")
		}
	case *sessionevents.ConfigEvent:
		raw, err := sonic.Marshal(ev.Settings)
		if err == nil {
			err = controlplane.ApplySettings(s.Coordinator, raw)
		}
		if err != nil {
			logger.With(map[string]interface{}{"error": err}).Warn("observer config rejected")
		}
	default:
		logger.Warn("unhandled observer input")
	}
}

// Close disconnects and releases everything. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Coordinator.Close()
		if s.cancel != nil {
			s.cancel()
		}
		if s.ControlPlane != nil {
			s.ControlPlane.Close()
		}
		s.wg.Wait()
		s.release()
	})
}

func (s *Session) release() {
	if s.Conversation != nil {
		s.Conversation.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.With(map[string]interface{}{"error": err}).Warn("redis close failed")
		}
	}
	if s.logWriter != nil {
		s.logWriter.Close()
	}
}

// ConnectTimeout bounds a CLI-initiated connect.
const ConnectTimeout = 30 * time.Second
