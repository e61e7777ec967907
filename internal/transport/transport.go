// Package transport defines the normalized event and connection surface the
// core uses to talk to the external chat platform. The platform's wire
// protocol is opaque; implementations live in subpackages.
package transport

import (
	"context"
	"strings"
	"time"
)

// Kind classifies one inbound event.
type Kind string

const (
	KindText     Kind = "text"
	KindCommand  Kind = "command"
	KindCallback Kind = "callback"
)

// User identifies the platform account that produced an event.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns the friendliest non-empty name for the user.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return ""
}

// Event is one normalized inbound event from a tenant's listener. It is the
// unit handed from the listener to the router; the core never persists it
// directly.
type Event struct {
	TenantID     int64
	Kind         Kind
	Sender       User
	ChatID       int64
	MessageID    int
	Text         string
	Command      string // without the leading slash, KindCommand only
	Args         string // remainder of the command line
	CallbackID   string // KindCallback only
	CallbackData string
	ReceivedAt   time.Time
}

// Handler consumes inbound events. Implementations must not block the
// listener's receive loop.
type Handler func(ctx context.Context, ev Event)

// Button is one inline quick-action affordance attached to a message.
type Button struct {
	Label string
	Data  string
}

// SendOptions carries optional delivery parameters.
type SendOptions struct {
	Buttons          [][]Button
	ReplyToMessageID int
}

// Sender delivers messages on behalf of one tenant's credential.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opts SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Conn is one live listener bound to a tenant credential. Stop and Probe are
// bounded by their context deadlines.
type Conn interface {
	Sender
	Probe(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BotInfo is the platform-issued identity of a bot credential.
type BotInfo struct {
	ID       int64
	Username string
}

// Dialer validates credentials and establishes listeners.
type Dialer interface {
	// Identify verifies the token against the platform and returns the bot
	// identity without starting a listener.
	Identify(ctx context.Context, token string) (BotInfo, error)
	// Dial starts a listener for the tenant. It returns only once the
	// listener is receiving events, or fails within the context deadline.
	Dial(ctx context.Context, tenantID int64, token string, handler Handler) (Conn, error)
}
