package session

import "livetranslate/handlers/turn"

// SnapshotEvent is emitted as an IExternalOutputEvent after every coordinator
// transition.
type SnapshotEvent struct {
	turn.Snapshot
}

func (e *SnapshotEvent) GetId() string { return "session.snapshot" }

// TranscriptEvent carries one transcript item when it changes. Observers that
// only render captions can skip full snapshots.
type TranscriptEvent struct {
	ItemID string `json:"item_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
}

func (e *TranscriptEvent) GetId() string { return "session.transcript" }
