package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"livetranslate/core"
	"livetranslate/handlers/turn"
	"livetranslate/protocol"
)

const (
	CmdConnect      = "connect"
	CmdDisconnect   = "disconnect"
	CmdPress        = "press"
	CmdRelease      = "release"
	CmdHoldDown     = "hold_down"
	CmdHoldUp       = "hold_up"
	CmdCancel       = "cancel"
	CmdMute         = "mute"
	CmdUnmute       = "unmute"
	CmdSetMode      = "set_mode"
	CmdSetRoute     = "set_route"
	CmdClearHistory = "clear_history"
)

// Command is a caller intent arriving from a remote UI.
type Command struct {
	Name  string `json:"name"`
	Mode  string `json:"mode,omitempty"`
	Route string `json:"route,omitempty"`
}

// Commander is the caller surface of turn.Coordinator.
type Commander interface {
	Connect(ctx context.Context) error
	Disconnect()
	Press() (turn.TurnID, error)
	Release() error
	HoldDown()
	HoldUp() bool
	Cancel() error
	Mute()
	Unmute() error
	SetMode(mode turn.Mode) error
	SetRoute(route core.AudioRoute) error
	ClearHistory()
	UpdateSessionConfig(cfg protocol.SessionConfig) error
	Snapshot() turn.Snapshot
}

// Dispatch runs one command against the coordinator.
func Dispatch(ctx context.Context, c Commander, cmd Command) error {
	switch strings.ToLower(strings.TrimSpace(cmd.Name)) {
	case CmdConnect:
		return c.Connect(ctx)
	case CmdDisconnect:
		c.Disconnect()
	case CmdPress:
		_, err := c.Press()
		return err
	case CmdRelease:
		return c.Release()
	case CmdHoldDown:
		c.HoldDown()
	case CmdHoldUp:
		c.HoldUp()
	case CmdCancel:
		return c.Cancel()
	case CmdMute:
		c.Mute()
	case CmdUnmute:
		return c.Unmute()
	case CmdSetMode:
		mode, ok := turn.ParseMode(cmd.Mode)
		if !ok {
			return fmt.Errorf("%w: unknown mode %q", core.ErrConfigInvalid, cmd.Mode)
		}
		return c.SetMode(mode)
	case CmdSetRoute:
		route := core.RouteDefault
		if strings.EqualFold(cmd.Route, core.RouteSpeaker.String()) {
			route = core.RouteSpeaker
		}
		return c.SetRoute(route)
	case CmdClearHistory:
		c.ClearHistory()
	default:
		return fmt.Errorf("controlplane: unknown command %q", cmd.Name)
	}
	return nil
}

// ApplySettings overlays a partial JSON session config onto the current one
// and pushes the result.
func ApplySettings(c Commander, settings json.RawMessage) error {
	if len(settings) == 0 {
		return nil
	}
	cfg := c.Snapshot().Config
	if err := sonic.Unmarshal(settings, &cfg); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return c.UpdateSessionConfig(cfg)
}
