package core

import "github.com/google/uuid"

// EventPacket wraps an event crossing a process boundary with a tracking id
// and the name of whoever relayed it.
type EventPacket struct {
	Event   IEvent
	Uid     string
	Relayer string
}

func NewEventPacket(event IEvent, relayer string) *EventPacket {
	return &EventPacket{
		Event:   event,
		Uid:     uuid.New().String(),
		Relayer: relayer,
	}
}
