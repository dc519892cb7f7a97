package core

type IEvent interface {
	GetId() string // Returns the unique identifier of the event.
}

// IExternalOutputEvent is implemented by events broadcast to observers by the
// ExternalEventHandler.
type IExternalOutputEvent interface {
	IEvent
}

// IExternalInputEvent is implemented by events that originate outside the
// process, such as a UI command.
type IExternalInputEvent interface {
	IEvent
}
