// Package client implements the thin interactive companion for the broker:
// it dials the unix socket, announces itself, translates line commands into
// envelopes, and prints whatever the broker writes back.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"topicbus/broker/internal/protocol"
)

// ErrExit reports that the user asked to leave the session.
var ErrExit = errors.New("client: exit requested")

// Client is one connected bus participant.
type Client struct {
	conn     *websocket.Conn
	username string
	channel  string
	pid      int
}

// Dial connects to the broker socket and announces the session.
func Dial(socketPath, username string) (*Client, error) {
	if strings.TrimSpace(username) == "" {
		return nil, errors.New("client: username must be provided")
	}
	dialer := websocket.Dialer{
		NetDial: func(string, string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}
	//1.- The host in the URL is cosmetic; the NetDial override pins the
	// connection to the local socket.
	conn, _, err := dialer.Dial("ws://topicbus/", nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}
	pid := os.Getpid()
	c := &Client{
		conn:     conn,
		username: username,
		channel:  fmt.Sprintf("client-%d", pid),
		pid:      pid,
	}
	if err := c.send(protocol.CommandConnect, "", 0, ""); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Listen copies broker frames to out until the connection closes.
func (c *Client) Listen(out io.Writer) error {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		fmt.Fprint(out, string(frame))
	}
}

// Execute parses one interactive line and submits the matching command.
// ErrExit is returned after a successful exit command.
func (c *Client) Execute(line string) error {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return nil
	case trimmed == "topics":
		return c.send(protocol.CommandListTopics, "", 0, "")
	case trimmed == "exit":
		if err := c.send(protocol.CommandExit, "", 0, ""); err != nil {
			return err
		}
		return ErrExit
	case strings.HasPrefix(trimmed, "subscribe "):
		return c.send(protocol.CommandSubscribe, strings.TrimSpace(trimmed[len("subscribe "):]), 0, "")
	case strings.HasPrefix(trimmed, "unsubscribe "):
		return c.send(protocol.CommandUnsubscribe, strings.TrimSpace(trimmed[len("unsubscribe "):]), 0, "")
	case strings.HasPrefix(trimmed, "msg "):
		topic, lifetime, body, err := parsePublish(trimmed[len("msg "):])
		if err != nil {
			return err
		}
		return c.send(protocol.CommandPublish, topic, lifetime, body)
	default:
		return fmt.Errorf("client: unrecognized command %q", trimmed)
	}
}

// Interrupt tells the broker this client is going away without the usual
// exit handshake, mirroring a console interrupt.
func (c *Client) Interrupt() error {
	return c.send(protocol.CommandDisconnect, "", 0, "")
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(command protocol.Command, topic string, lifetime int, body string) error {
	envelope := protocol.Envelope{
		ReplyChannel: c.channel,
		Command:      command,
		Topic:        topic,
		Username:     c.username,
		PID:          c.pid,
		Lifetime:     lifetime,
		Body:         body,
	}
	frame, err := envelope.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// parsePublish splits "topic [lifetime] body"; the lifetime token is
// optional and defaults to an ephemeral message.
func parsePublish(rest string) (string, int, string, error) {
	fields := strings.SplitN(strings.TrimSpace(rest), " ", 3)
	if len(fields) < 2 {
		return "", 0, "", errors.New("client: usage: msg <topic> [lifetime] <message>")
	}
	topic := fields[0]
	if lifetime, err := strconv.Atoi(fields[1]); err == nil {
		if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
			return "", 0, "", errors.New("client: usage: msg <topic> [lifetime] <message>")
		}
		return topic, lifetime, fields[2], nil
	}
	body := strings.Join(fields[1:], " ")
	return topic, 0, body, nil
}
