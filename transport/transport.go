// Package transport defines the messaging-session contract the fleet
// supervises. Backends are interchangeable as long as they expose this
// surface; wsgateway is the production one, tests use in-package fakes.
package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventReady         EventKind = "ready"
	EventAuthenticated EventKind = "authenticated"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

type DisconnectReason string

const (
	ReasonNetwork   DisconnectReason = "network"
	ReasonLoggedOut DisconnectReason = "logged_out"
	ReasonReplaced  DisconnectReason = "replaced"
	ReasonClosed    DisconnectReason = "closed"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindAudio    MessageKind = "audio"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindUnknown  MessageKind = "unknown"
)

// Message is one inbound transport message, already addressed to the bot.
type Message struct {
	ID        string
	From      string // sender phone number
	PushName  string
	Timestamp time.Time
	Kind      MessageKind
	Text      string
	MimeType  string
	Filename  string

	// Download fetches the media payload; nil for text messages.
	Download func(ctx context.Context) ([]byte, error)
}

// Event is one item of the session event stream.
type Event struct {
	Kind    EventKind
	QR      string           // EventQR: payload to render for scanning
	Phone   string           // EventAuthenticated: the account phone number
	Reason  DisconnectReason // EventDisconnected
	Message *Message         // EventMessage
}

// Session is a single live connection to the messaging backend. Connect must
// be called once; Events is closed when the session terminates.
type Session interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error

	// Ping is the keep-alive probe; an error means the session is no longer
	// responsive and the supervisor should treat it as dropped.
	Ping(ctx context.Context) error

	// Logout invalidates the stored credentials server-side.
	Logout(ctx context.Context) error
	Close() error
}

// Typing is optionally implemented by backends that support presence updates.
type Typing interface {
	SendTyping(ctx context.Context, to string, active bool) error
}

// Credentials persists session auth material between restarts.
type Credentials interface {
	Load(ctx context.Context) ([]byte, bool, error)
	Save(ctx context.Context, data []byte) error
	Wipe(ctx context.Context) error
}

// Dialer creates sessions; the supervisor dials a fresh session per
// connection attempt.
type Dialer interface {
	Dial(ctx context.Context, botID string, creds Credentials) (Session, error)
}
