// Package fleet supervises the bot connections: one Supervisor per bot id
// owning the transport session lifecycle, and a Registry composing them.
package fleet

import "time"

// Status is the connection lifecycle position of one bot.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusWaitingForScan Status = "waiting_for_scan"
	StatusAuthenticated  Status = "authenticated"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusDisconnected   Status = "disconnected"
	StatusStopped        Status = "stopped"
	StatusError          Status = "error"
)

// BotConfig is the durable definition of a bot, loaded from the fleet file.
type BotConfig struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	AssistantName string `yaml:"assistant_name" json:"assistant_name"`
	Owner         string `yaml:"owner" json:"owner"`
	Model         string `yaml:"model" json:"model"`
}

// BotInstance is the mutable runtime record for one bot. Owned by its
// Supervisor; every mutation happens under the supervisor lock.
type BotInstance struct {
	ID            string
	Name          string
	AssistantName string
	Owner         string

	Status Status
	// Phone is filled in after authentication.
	Phone  string
	Active bool
	// LastError is set when Status is error.
	LastError string

	MessageCount int
	LastActivity time.Time

	// QR is the pending auth challenge payload, cleared on authentication.
	QR string

	ReconnectAttempts  int
	ManualStop         bool
	HasConnectedBefore bool
}

// InstanceSnapshot is a copy of BotInstance safe to hand to callers.
type InstanceSnapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	AssistantName string    `json:"assistant_name"`
	Owner         string    `json:"owner,omitempty"`
	Status        Status    `json:"status"`
	Phone         string    `json:"phone,omitempty"`
	Active        bool      `json:"active"`
	LastError     string    `json:"last_error,omitempty"`
	MessageCount  int       `json:"message_count"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	QR            string    `json:"qr,omitempty"`
	Attempts      int       `json:"reconnect_attempts"`
}

func (b *BotInstance) snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		ID:            b.ID,
		Name:          b.Name,
		AssistantName: b.AssistantName,
		Owner:         b.Owner,
		Status:        b.Status,
		Phone:         b.Phone,
		Active:        b.Active,
		LastError:     b.LastError,
		MessageCount:  b.MessageCount,
		LastActivity:  b.LastActivity,
		QR:            b.QR,
		Attempts:      b.ReconnectAttempts,
	}
}

// Notifier receives lifecycle notifications. event is one of created,
// updated, deleted.
type Notifier func(event string, snap InstanceSnapshot)
