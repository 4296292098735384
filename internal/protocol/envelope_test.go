package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{
		ReplyChannel: "client-42",
		Command:      CommandPublish,
		Topic:        "news",
		Username:     "alice",
		PID:          42,
		Lifetime:     3,
		Body:         "hello world",
	}
	frame, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Fatalf("round trip mismatch:\nin  %+v\nout %+v", in, *out)
	}
}

func TestValidateRequiresReplyChannel(t *testing.T) {
	envelope := Envelope{Command: CommandConnect, Username: "alice"}
	if err := envelope.Validate(); !errors.Is(err, ErrMissingReplyChannel) {
		t.Fatalf("expected ErrMissingReplyChannel, got %v", err)
	}
}

func TestValidateEnforcesWireBounds(t *testing.T) {
	cases := []struct {
		name     string
		envelope Envelope
	}{
		{"reply channel", Envelope{ReplyChannel: strings.Repeat("c", MaxReplyChannelBytes+1)}},
		{"topic", Envelope{ReplyChannel: "ch", Topic: strings.Repeat("t", MaxTopicFieldBytes+1)}},
		{"username", Envelope{ReplyChannel: "ch", Username: strings.Repeat("u", MaxUsernameBytes+1)}},
		{"body", Envelope{ReplyChannel: "ch", Body: strings.Repeat("b", MaxBodyBytes+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.envelope.Validate(); !errors.Is(err, ErrFieldTooLong) {
				t.Fatalf("expected ErrFieldTooLong, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsBoundaryLengths(t *testing.T) {
	envelope := Envelope{
		ReplyChannel: strings.Repeat("c", MaxReplyChannelBytes),
		Command:      CommandPublish,
		Topic:        strings.Repeat("t", MaxTopicFieldBytes),
		Username:     strings.Repeat("u", MaxUsernameBytes),
		Body:         strings.Repeat("b", MaxBodyBytes),
	}
	if err := envelope.Validate(); err != nil {
		t.Fatalf("boundary-length envelope rejected: %v", err)
	}
}

func TestValidateRejectsNegativeLifetime(t *testing.T) {
	envelope := Envelope{ReplyChannel: "ch", Command: CommandPublish, Lifetime: -1}
	if err := envelope.Validate(); !errors.Is(err, ErrNegativeLifetime) {
		t.Fatalf("expected ErrNegativeLifetime, got %v", err)
	}
}

func TestValidateRejectsUnknownCommand(t *testing.T) {
	//1.- Value 8 is the hole in the wire enum; anything outside the enum is a
	// wire violation, not a dispatcher concern.
	for _, command := range []Command{8, -1, 10, 99} {
		envelope := Envelope{ReplyChannel: "ch", Command: command}
		if err := envelope.Validate(); !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("command %d: expected ErrUnknownCommand, got %v", int(command), err)
		}
	}
	if _, err := Decode([]byte(`{"reply_channel":"ch","command":8}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("reserved command decoded: %v", err)
	}
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("malformed frame accepted")
	}
	if _, err := Decode([]byte(`{"command":5}`)); !errors.Is(err, ErrMissingReplyChannel) {
		t.Fatalf("frame without reply channel accepted")
	}
}

func TestCommandKnown(t *testing.T) {
	known := []Command{
		CommandConnect, CommandSubscribe, CommandListTopics, CommandExit,
		CommandUnsubscribe, CommandPublish, CommandLock, CommandUnlock,
		CommandDisconnect,
	}
	for _, command := range known {
		if !command.Known() {
			t.Fatalf("%s reported unknown", command)
		}
	}
	//1.- Value 8 is a hole in the wire enum and must stay unmapped.
	for _, command := range []Command{8, -1, 10, 99} {
		if command.Known() {
			t.Fatalf("command %d reported known", int(command))
		}
	}
}

func TestCommandString(t *testing.T) {
	if got := CommandDisconnect.String(); got != "forced_disconnect" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := Command(8).String(); got != "unrecognized(8)" {
		t.Fatalf("unexpected name %q", got)
	}
}
