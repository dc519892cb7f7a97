package webrtc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"livetranslate/core"
)

// ICEServer mirrors the usual STUN/TURN entry.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

type pionFactory struct {
	api        *pion.API
	iceServers []pion.ICEServer
	logger     *core.Logger
}

// NewPionFactory builds peer connections that negotiate G.711 μ-law audio and
// run the default interceptor set (NACK, RTCP reports, TWCC).
func NewPionFactory(iceServers []ICEServer, logger *core.Logger) (PeerFactory, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	m := &pion.MediaEngine{}
	if err := m.RegisterCodec(pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: 0,
	}, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	servers := make([]pion.ICEServer, len(iceServers))
	for i, s := range iceServers {
		servers[i] = pion.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}

	return &pionFactory{
		api:        pion.NewAPI(pion.WithMediaEngine(m), pion.WithInterceptorRegistry(registry)),
		iceServers: servers,
		logger:     logger.With(map[string]interface{}{"component": "pion"}),
	}, nil
}

func (f *pionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(pion.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: f.logger}, nil
}

type pionPeer struct {
	pc     *pion.PeerConnection
	logger *core.Logger
}

func (p *pionPeer) AddCaptureTrack() (CaptureTrack, error) {
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		"audio",
		"livetranslate-mic",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local audio track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// RTCP must be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &pionTrack{track: track}, nil
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description missing after gathering")
	}
	return local.SDP, nil
}

func (p *pionPeer) SetAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) OnRemoteAudio(fn func(RemoteAudio)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		if track.Kind() != pion.RTPCodecTypeAudio {
			return
		}
		p.logger.Info("remote audio track received", "codec", track.Codec().MimeType)
		fn(&pionRemote{track: track})
	})
}

func (p *pionPeer) OnStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		fn(mapPeerState(state))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func mapPeerState(s pion.PeerConnectionState) ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return PeerStateConnecting
	case pion.PeerConnectionStateConnected:
		return PeerStateConnected
	case pion.PeerConnectionStateDisconnected:
		return PeerStateDisconnected
	case pion.PeerConnectionStateFailed:
		return PeerStateFailed
	case pion.PeerConnectionStateClosed:
		return PeerStateClosed
	default:
		return PeerStateNew
	}
}

type pionTrack struct {
	track *pion.TrackLocalStaticSample
}

func (t *pionTrack) Format() core.AudioChunk {
	return core.AudioChunk{SampleRate: 8000, Channels: 1, Format: core.ULAW}
}

func (t *pionTrack) WriteFrame(data []byte, duration time.Duration) error {
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

type pionChannel struct {
	dc *pion.DataChannel
}

func (c *pionChannel) OnOpen(fn func())  { c.dc.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.dc.OnClose(fn) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == pion.DataChannelStateOpen
}

func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }
func (c *pionChannel) Close() error               { return c.dc.Close() }

type pionRemote struct {
	track *pion.TrackRemote
}

func (r *pionRemote) Format() core.AudioChunk {
	codec := r.track.Codec()
	format := core.ULAW
	if strings.EqualFold(codec.MimeType, pion.MimeTypePCMA) {
		format = core.ALAW
	}
	channels := int(codec.Channels)
	if channels == 0 {
		channels = 1
	}
	return core.AudioChunk{SampleRate: int(codec.ClockRate), Channels: channels, Format: format}
}

func (r *pionRemote) ReadPayload() ([]byte, error) {
	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}
