package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command enumerates the envelope types a client may submit to the broker.
type Command int

const (
	CommandConnect     Command = 0
	CommandSubscribe   Command = 1
	CommandListTopics  Command = 2
	CommandExit        Command = 3
	CommandUnsubscribe Command = 4
	CommandPublish     Command = 5
	CommandLock        Command = 6
	CommandUnlock      Command = 7
	// Command value 8 is reserved and deliberately unused on the wire.
	CommandDisconnect Command = 9
)

// String renders the command name for logs and diagnostics.
func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "connect"
	case CommandSubscribe:
		return "subscribe"
	case CommandListTopics:
		return "list_topics"
	case CommandExit:
		return "exit"
	case CommandUnsubscribe:
		return "unsubscribe"
	case CommandPublish:
		return "publish"
	case CommandLock:
		return "lock"
	case CommandUnlock:
		return "unlock"
	case CommandDisconnect:
		return "forced_disconnect"
	default:
		return fmt.Sprintf("unrecognized(%d)", int(c))
	}
}

// Known reports whether the command maps to a dispatcher handler.
func (c Command) Known() bool {
	switch c {
	case CommandConnect, CommandSubscribe, CommandListTopics, CommandExit,
		CommandUnsubscribe, CommandPublish, CommandLock, CommandUnlock,
		CommandDisconnect:
		return true
	default:
		return false
	}
}

// Wire-level field bounds. Registry-level bounds (topic name, username) are
// enforced separately by the registries; these only cap frame sizes.
const (
	MaxReplyChannelBytes = 255
	MaxTopicFieldBytes   = 49
	MaxUsernameBytes     = 49
	// MaxBodyBytes is the single body bound applied on both sides of the
	// wire. Bodies of exactly 300 bytes are accepted.
	MaxBodyBytes = 300
)

var (
	// ErrMissingReplyChannel is returned when an envelope omits the reply address.
	ErrMissingReplyChannel = errors.New("protocol: reply channel must be provided")
	// ErrFieldTooLong is returned when any envelope field exceeds its wire bound.
	ErrFieldTooLong = errors.New("protocol: field exceeds wire bound")
	// ErrNegativeLifetime is returned when an envelope carries a lifetime below zero.
	ErrNegativeLifetime = errors.New("protocol: lifetime must be non-negative")
	// ErrUnknownCommand is returned when an envelope carries a command value
	// outside the wire enum.
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// Envelope is the self-contained command record a client submits. Every
// envelope carries the full routing context so the dispatcher never depends
// on connection identity.
type Envelope struct {
	ReplyChannel string  `json:"reply_channel"`
	Command      Command `json:"command"`
	Topic        string  `json:"topic,omitempty"`
	Username     string  `json:"username,omitempty"`
	PID          int     `json:"pid,omitempty"`
	Lifetime     int     `json:"lifetime,omitempty"`
	Body         string  `json:"body,omitempty"`
}

// Validate checks the wire bounds without consulting any registry state.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("protocol: nil envelope")
	}
	//1.- Every reply flows through the declared channel, so its absence is fatal.
	if e.ReplyChannel == "" {
		return ErrMissingReplyChannel
	}
	if len(e.ReplyChannel) > MaxReplyChannelBytes {
		return fmt.Errorf("%w: reply_channel %d bytes", ErrFieldTooLong, len(e.ReplyChannel))
	}
	if !e.Command.Known() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, int(e.Command))
	}
	if len(e.Topic) > MaxTopicFieldBytes {
		return fmt.Errorf("%w: topic %d bytes", ErrFieldTooLong, len(e.Topic))
	}
	if len(e.Username) > MaxUsernameBytes {
		return fmt.Errorf("%w: username %d bytes", ErrFieldTooLong, len(e.Username))
	}
	if len(e.Body) > MaxBodyBytes {
		return fmt.Errorf("%w: body %d bytes", ErrFieldTooLong, len(e.Body))
	}
	if e.Lifetime < 0 {
		return ErrNegativeLifetime
	}
	return nil
}

// Encode marshals the envelope into its wire frame.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a wire frame and re-applies the wire bounds.
func Decode(frame []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return &envelope, nil
}
