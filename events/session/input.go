package session

import (
	"livetranslate/controlplane"
)

// CommandEvent is an IExternalInputEvent carrying a caller intent.
type CommandEvent struct {
	controlplane.Command
}

func (e *CommandEvent) GetId() string { return "session.command" }

// ConfigEvent overlays Settings onto the current session config.
type ConfigEvent struct {
	Settings map[string]interface{} `json:"settings"`
}

func (e *ConfigEvent) GetId() string { return "session.config" }
