package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"livetranslate/core"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultSendBufferSize    = 256
	writeTimeout             = 10 * time.Second
)

// ClientConfig configures the control plane WebSocket client.
type ClientConfig struct {
	ConnectURL        string            `json:"connect_url" yaml:"connect_url"`
	AgentID           string            `json:"agent_id" yaml:"agent_id"`
	Version           string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	Logger            *core.Logger      `json:"-" yaml:"-"`
}

// HeartbeatState is what the heartbeat reports about the session.
type HeartbeatState struct {
	Connection string
	Mode       string
	Mic        string
}

// Client connects outward to a UI control plane. It streams snapshots, logs
// and heartbeats, and receives config updates and commands.
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *core.Logger

	// Callbacks set by the caller before Connect.
	OnConfigUpdate func(settings json.RawMessage, keys map[string]string) error
	OnCommand      func(ctx context.Context, cmd Command) error
	OnShutdown     func(reason string)
	State          func() HeartbeatState

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	closed sync.Once
	wg     sync.WaitGroup
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = core.GetLogger()
	}
	return &Client{
		config: cfg,
		logger: cfg.Logger.With(map[string]interface{}{"component": "controlplane"}),
		sendCh: make(chan []byte, defaultSendBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the control plane, registers, and starts the read, write and
// heartbeat loops. Cancelling ctx closes the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.logger.With(map[string]interface{}{"url": c.config.ConnectURL}).Info("connecting to control plane")

	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.ConnectURL, nil)
	if err != nil {
		c.cancel()
		return fmt.Errorf("controlplane: dial %q: %w", c.config.ConnectURL, err)
	}
	c.conn = conn

	reg := RegisterPayload{
		AgentID:      c.config.AgentID,
		Version:      c.config.Version,
		Capabilities: []string{"translate", "ptt", "vad"},
		Metadata:     c.config.Metadata,
		Timestamp:    time.Now().UTC(),
	}
	if err := c.send(MsgRegister, reg); err != nil {
		conn.Close()
		c.cancel()
		return fmt.Errorf("controlplane: send register: %w", err)
	}

	c.logger.With(map[string]interface{}{"agent_id": c.config.AgentID}).Info("registered with control plane")

	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()

	return nil
}

func (c *Client) SendLog(sessionID string, entry LogEntry) {
	c.enqueue(MsgLog, LogPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
		Entry:     entry,
	})
}

// SendEvent forwards an already encoded event.
func (c *Client) SendEvent(sessionID, eventID string, data json.RawMessage) {
	c.enqueue(MsgEvent, EventPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
		EventID:   eventID,
		Data:      data,
	})
}

// PublishEvent encodes an event and forwards it.
func (c *Client) PublishEvent(sessionID string, ev core.IEvent) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		c.logger.With(map[string]interface{}{"error": err, "event": ev.GetId()}).Warn("failed to marshal event, dropping")
		return
	}
	c.SendEvent(sessionID, ev.GetId(), data)
}

func (c *Client) SendLogEnd(sessionID string) {
	c.enqueue(MsgLogEnd, LogEndPayload{
		AgentID:   c.config.AgentID,
		SessionID: sessionID,
	})
}

// Wait blocks until the connection drops or the context is cancelled.
func (c *Client) Wait() error {
	<-c.done
	return nil
}

func (c *Client) Close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
	c.wg.Wait()
}

func (c *Client) send(msgType MessageType, payload interface{}) error {
	data, err := Marshal(msgType, payload)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) enqueue(msgType MessageType, payload interface{}) {
	data, err := Marshal(msgType, payload)
	if err != nil {
		c.logger.With(map[string]interface{}{"error": err, "type": string(msgType)}).Warn("failed to marshal message, dropping")
		return
	}
	select {
	case c.sendCh <- data:
	default:
		// Buffer full: drop oldest and push new.
		select {
		case <-c.sendCh:
		default:
		}
		select {
		case c.sendCh <- data:
		default:
		}
	}
}

func (c *Client) ack(id string, err error) {
	if id == "" {
		return
	}
	p := AckPayload{ID: id, OK: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	c.enqueue(MsgAck, p)
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.cancel()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("control plane connection lost")
			}
			return
		}

		msgType, payload, err := Unmarshal(data)
		if err != nil {
			c.logger.With(map[string]interface{}{"error": err}).Warn("invalid message from control plane")
			continue
		}

		switch msgType {
		case MsgConfigUpdate:
			p, err := UnmarshalPayload[ConfigUpdatePayload](payload)
			if err != nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("invalid config_update payload")
				continue
			}
			if c.OnConfigUpdate != nil {
				err = c.OnConfigUpdate(p.Settings, p.Keys)
			}
			c.ack(p.ID, err)

		case MsgCommand:
			p, err := UnmarshalPayload[CommandPayload](payload)
			if err != nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("invalid command payload")
				continue
			}
			c.handleCommand(p)

		case MsgShutdown:
			p, _ := UnmarshalPayload[ShutdownPayload](payload)
			reason := p.Reason
			if reason == "" {
				reason = "shutdown requested by control plane"
			}
			c.logger.With(map[string]interface{}{"reason": reason}).Info("shutdown requested")
			if c.OnShutdown != nil {
				c.OnShutdown(reason)
			}
			return

		default:
			c.logger.With(map[string]interface{}{"type": string(msgType)}).Warn("unknown message type from control plane")
		}
	}
}

// handleCommand runs connect in the background since it blocks on the
// network; everything else runs inline to keep gesture order.
func (c *Client) handleCommand(p CommandPayload) {
	if c.OnCommand == nil {
		c.ack(p.ID, fmt.Errorf("controlplane: commands not supported"))
		return
	}
	if p.Command.Name == CmdConnect {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.ack(p.ID, c.OnCommand(c.ctx, p.Command))
		}()
		return
	}
	c.ack(p.ID, c.OnCommand(c.ctx, p.Command))
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.With(map[string]interface{}{"error": err}).Warn("write to control plane failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := HeartbeatPayload{
				AgentID:    c.config.AgentID,
				Timestamp:  time.Now().UTC(),
				Connection: "disconnected",
			}
			if c.State != nil {
				st := c.State()
				hb.Connection, hb.Mode, hb.Mic = st.Connection, st.Mode, st.Mic
			}
			c.enqueue(MsgHeartbeat, hb)
		case <-c.ctx.Done():
			return
		}
	}
}
