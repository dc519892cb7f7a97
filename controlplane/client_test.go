package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livetranslate/core"
	"livetranslate/handlers/turn"
	"livetranslate/protocol"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	cfg   protocol.SessionConfig
	mode  turn.Mode
	route core.AudioRoute
	err   error
}

func (f *fakeCommander) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeCommander) Connect(context.Context) error { return f.record(CmdConnect) }
func (f *fakeCommander) Disconnect()                   { f.record(CmdDisconnect) }
func (f *fakeCommander) Press() (turn.TurnID, error)   { return 1, f.record(CmdPress) }
func (f *fakeCommander) Release() error                { return f.record(CmdRelease) }
func (f *fakeCommander) HoldDown()                     { f.record(CmdHoldDown) }
func (f *fakeCommander) HoldUp() bool                  { f.record(CmdHoldUp); return true }
func (f *fakeCommander) Cancel() error                 { return f.record(CmdCancel) }
func (f *fakeCommander) Mute()                         { f.record(CmdMute) }
func (f *fakeCommander) Unmute() error                 { return f.record(CmdUnmute) }
func (f *fakeCommander) ClearHistory()                 { f.record(CmdClearHistory) }

func (f *fakeCommander) SetMode(m turn.Mode) error {
	f.mode = m
	return f.record(CmdSetMode)
}

func (f *fakeCommander) SetRoute(r core.AudioRoute) error {
	f.route = r
	return f.record(CmdSetRoute)
}

func (f *fakeCommander) UpdateSessionConfig(cfg protocol.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.cfg = cfg
	return f.record("update")
}

func (f *fakeCommander) Snapshot() turn.Snapshot {
	return turn.Snapshot{Config: f.cfg}
}

func (f *fakeCommander) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		cmd     Command
		want    string
		wantErr bool
	}{
		{cmd: Command{Name: "press"}, want: CmdPress},
		{cmd: Command{Name: " Release "}, want: CmdRelease},
		{cmd: Command{Name: "cancel"}, want: CmdCancel},
		{cmd: Command{Name: "set_mode", Mode: "ptt"}, want: CmdSetMode},
		{cmd: Command{Name: "set_mode", Mode: "walkie"}, wantErr: true},
		{cmd: Command{Name: "set_route", Route: "speaker"}, want: CmdSetRoute},
		{cmd: Command{Name: "clear_history"}, want: CmdClearHistory},
		{cmd: Command{Name: "dance"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.Name, func(t *testing.T) {
			f := &fakeCommander{}
			err := Dispatch(context.Background(), f, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Dispatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if calls := f.called(); len(calls) != 1 || calls[0] != tt.want {
				t.Fatalf("calls = %v, want [%s]", calls, tt.want)
			}
		})
	}

	f := &fakeCommander{}
	Dispatch(context.Background(), f, Command{Name: CmdSetRoute, Route: "SPEAKER"})
	if f.route != core.RouteSpeaker {
		t.Fatal("route not parsed case-insensitively")
	}
}

func TestApplySettingsOverlaysCurrentConfig(t *testing.T) {
	f := &fakeCommander{cfg: protocol.DefaultSessionConfig()}
	err := ApplySettings(f, json.RawMessage(`{"languages":{"source":"English","target":"Japanese"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.cfg.Languages.Target != "Japanese" || f.cfg.Voice != "alloy" {
		t.Fatalf("config = %+v", f.cfg)
	}

	err = ApplySettings(f, json.RawMessage(`{"languages":{"source":"Japanese","target":"Japanese"}}`))
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("ApplySettings() error = %v, want ErrConfigInvalid", err)
	}
}

// uiServer plays the control plane side of the socket.
type uiServer struct {
	t        *testing.T
	srv      *httptest.Server
	received chan Envelope
	conn     chan *websocket.Conn
}

func newUIServer(t *testing.T) *uiServer {
	u := &uiServer{t: t, received: make(chan Envelope, 32), conn: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conn <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			msgType, payload, err := Unmarshal(data)
			if err != nil {
				continue
			}
			u.received <- Envelope{Type: msgType, Payload: payload}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *uiServer) url() string { return "ws" + strings.TrimPrefix(u.srv.URL, "http") }

func (u *uiServer) expect(msgType MessageType) Envelope {
	u.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-u.received:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			u.t.Fatalf("no %s message", msgType)
		}
	}
}

func TestClientRegistersAndRunsCommands(t *testing.T) {
	ui := newUIServer(t)
	f := &fakeCommander{cfg: protocol.DefaultSessionConfig()}

	c := NewClient(ClientConfig{ConnectURL: ui.url(), AgentID: "agent-1", HeartbeatInterval: 20 * time.Millisecond, Logger: core.NopLogger()})
	c.OnCommand = func(ctx context.Context, cmd Command) error { return Dispatch(ctx, f, cmd) }
	c.OnConfigUpdate = func(settings json.RawMessage, _ map[string]string) error { return ApplySettings(f, settings) }
	c.State = func() HeartbeatState { return HeartbeatState{Connection: "connected", Mode: "ptt", Mic: "idle"} }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	reg, err := UnmarshalPayload[RegisterPayload](ui.expect(MsgRegister).Payload)
	if err != nil || reg.AgentID != "agent-1" {
		t.Fatalf("register = %+v (%v)", reg, err)
	}

	conn := <-ui.conn
	send := func(msgType MessageType, payload interface{}) {
		data, err := Marshal(msgType, payload)
		if err != nil {
			t.Fatal(err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}

	send(MsgCommand, CommandPayload{ID: "c1", Command: Command{Name: CmdPress}})
	ack, _ := UnmarshalPayload[AckPayload](ui.expect(MsgAck).Payload)
	if ack.ID != "c1" || !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}

	send(MsgConfigUpdate, ConfigUpdatePayload{ID: "u1", Settings: json.RawMessage(`{"voice":"verse"}`)})
	ack, _ = UnmarshalPayload[AckPayload](ui.expect(MsgAck).Payload)
	if ack.ID != "u1" || !ack.OK || f.cfg.Voice != "verse" {
		t.Fatalf("ack = %+v voice = %q", ack, f.cfg.Voice)
	}

	send(MsgCommand, CommandPayload{ID: "c2", Command: Command{Name: "bogus"}})
	ack, _ = UnmarshalPayload[AckPayload](ui.expect(MsgAck).Payload)
	if ack.OK || ack.Error == "" {
		t.Fatalf("bogus command ack = %+v", ack)
	}

	hb, _ := UnmarshalPayload[HeartbeatPayload](ui.expect(MsgHeartbeat).Payload)
	if hb.Connection != "connected" || hb.Mode != "ptt" {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestClientShutdown(t *testing.T) {
	ui := newUIServer(t)
	c := NewClient(ClientConfig{ConnectURL: ui.url(), AgentID: "a", Logger: core.NopLogger()})
	reasons := make(chan string, 1)
	c.OnShutdown = func(reason string) { reasons <- reason }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ui.expect(MsgRegister)

	conn := <-ui.conn
	data, _ := Marshal(MsgShutdown, ShutdownPayload{})
	conn.WriteMessage(websocket.TextMessage, data)

	select {
	case r := <-reasons:
		if r == "" {
			t.Fatal("empty shutdown reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnShutdown not called")
	}
	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after shutdown")
	}
}

func TestWSLogWriter(t *testing.T) {
	ui := newUIServer(t)
	c := NewClient(ClientConfig{ConnectURL: ui.url(), AgentID: "a", Logger: core.NopLogger()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ui.expect(MsgRegister)

	w := NewWSLogWriter(c, "sess-1")
	w.Write("warn", "send failed", map[string]interface{}{"error": errors.New("boom")})
	w.Close()

	entry, _ := UnmarshalPayload[LogPayload](ui.expect(MsgLog).Payload)
	if entry.SessionID != "sess-1" || entry.Entry.Attrs["error"] != "boom" {
		t.Fatalf("log = %+v", entry)
	}
	ui.expect(MsgLogEnd)
}
