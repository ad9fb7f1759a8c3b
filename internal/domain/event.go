package domain

import "time"

// EventKind clasifica las notificaciones del bot.
type EventKind string

const (
	EventStartup  EventKind = "startup"
	EventTrade    EventKind = "trade"
	EventRisk     EventKind = "risk"
	EventGate     EventKind = "gate"
	EventShutdown EventKind = "shutdown"
)

// Event es una notificación con campos ordenados clave/valor.
type Event struct {
	Kind   EventKind
	Title  string
	Fields []Field
	At     time.Time
}

// Field es un par clave/valor de un Event.
type Field struct {
	Key   string
	Value string
}
