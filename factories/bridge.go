package factories

import (
	"context"

	"livetranslate/core"
	sessionevents "livetranslate/events/session"
	"livetranslate/handlers/turn"
)

// bridge turns coordinator snapshots into observer events: the snapshot
// itself plus one transcript event per item whose text changed.
type bridge struct {
	publish func(core.IEvent)
	seen    map[string]string
}

func newBridge(publish func(core.IEvent)) *bridge {
	return &bridge{
		publish: publish,
		seen:    make(map[string]string),
	}
}

func (b *bridge) run(ctx context.Context, snaps <-chan turn.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			b.forward(snap)
		}
	}
}

func (b *bridge) forward(snap turn.Snapshot) {
	b.publish(&sessionevents.SnapshotEvent{Snapshot: snap})

	if len(snap.Items) == 0 && len(b.seen) > 0 {
		// history cleared
		b.seen = make(map[string]string)
		return
	}
	for _, item := range snap.Items {
		if prev, ok := b.seen[item.ID]; ok && prev == item.Text {
			continue
		}
		b.seen[item.ID] = item.Text
		b.publish(&sessionevents.TranscriptEvent{
			ItemID: item.ID,
			Role:   string(item.Role),
			Text:   item.Text,
		})
	}
}
