package broker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"topicbus/broker/internal/logging"
)

// Console is the operator command loop. It reads whitespace-tokenized
// commands from its input (normally stdin) and mutates broker state through
// the same serialized entry points as the dispatcher.
type Console struct {
	broker   *Broker
	in       io.Reader
	out      io.Writer
	logger   *logging.Logger
	shutdown func()
}

// NewConsole wires the operator loop. shutdown is invoked on the close
// command and is expected to stop the whole process orderly.
func NewConsole(b *Broker, in io.Reader, out io.Writer, logger *logging.Logger, shutdown func()) *Console {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	if shutdown == nil {
		shutdown = func() {}
	}
	return &Console{broker: b, in: in, out: out, logger: logger, shutdown: shutdown}
}

// Run processes operator commands until close, end of input, or context end.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.execute(line) {
				c.shutdown()
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether shutdown was requested.
func (c *Console) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "close":
		fmt.Fprintln(c.out, "closing broker...")
		return true
	case "users":
		c.printUsers()
	case "topics":
		c.printTopics()
	case "remove":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: remove <user>")
			break
		}
		if c.broker.RemoveUser(fields[1]) {
			fmt.Fprintf(c.out, "user %s removed.\n", fields[1])
		} else {
			fmt.Fprintf(c.out, "user %s not found.\n", fields[1])
		}
	case "lock":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: lock <topic>")
			break
		}
		fmt.Fprintln(c.out, c.broker.SetTopicLock(fields[1], true))
	case "unlock":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: unlock <topic>")
			break
		}
		fmt.Fprintln(c.out, c.broker.SetTopicLock(fields[1], false))
	case "show":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: show <topic>")
			break
		}
		c.printMessages(fields[1])
	default:
		fmt.Fprintf(c.out, "no such command: %s\n", line)
	}
	return false
}

func (c *Console) printUsers() {
	users := c.broker.Users()
	if len(users) == 0 {
		fmt.Fprintln(c.out, "no users connected.")
		return
	}
	fmt.Fprintln(c.out, "connected users:")
	for _, session := range users {
		fmt.Fprintf(c.out, "- %s (pid: %d, channel: %s)\n", session.Username, session.PID, session.ReplyChannel)
	}
}

func (c *Console) printTopics() {
	fmt.Fprintln(c.out, "topics:")
	for _, info := range c.broker.Topics() {
		fmt.Fprintf(c.out, "- %s (subscribers: %d)\n", info.Name, info.Subscribers)
	}
}

// printMessages re-reads the journal for diagnostics; broker state is not
// consulted beyond the topic existence check and never mutated.
func (c *Console) printMessages(topic string) {
	if !c.broker.TopicKnown(topic) {
		fmt.Fprintf(c.out, "topic %s does not exist.\n", topic)
		return
	}
	messages, err := c.broker.PersistedMessages(topic)
	if err != nil {
		c.logger.Warn("journal read failed", logging.Error(err))
		fmt.Fprintf(c.out, "could not read persisted messages: %v\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Fprintf(c.out, "no messages in topic %s.\n", topic)
		return
	}
	for _, message := range messages {
		fmt.Fprintf(c.out, "user: %s, message: %s\n", message.Author, message.Body)
	}
}
