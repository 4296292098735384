// Package journal persists the broker's live persistent messages as a plain
// text log, one message per line: "topic username lifetime body". The body
// may contain embedded spaces but never newlines.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"topicbus/broker/internal/registry"
)

// Journal owns the durable message log at a fixed path. An empty path
// disables persistence entirely; every operation then degrades to a no-op so
// the broker keeps serving from memory.
type Journal struct {
	path string
}

// New constructs a journal for the given path.
func New(path string) *Journal {
	return &Journal{path: strings.TrimSpace(path)}
}

// Enabled reports whether a log path was configured.
func (j *Journal) Enabled() bool { return j != nil && j.path != "" }

// Path exposes the configured log location for diagnostics.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Load reads the log line by line and returns every entry with a positive
// lifetime, in file order. Malformed lines are skipped. A missing file is
// treated as an empty journal.
func (j *Journal) Load() ([]registry.Message, error) {
	if !j.Enabled() {
		return nil, nil
	}
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", j.path, err)
	}
	defer file.Close()

	var messages []registry.Message
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		message, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		//1.- Expired entries may linger in the file between reaper rewrites;
		// only live persistent messages seed the store.
		if message.Lifetime > 0 {
			messages = append(messages, message)
		}
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("journal: read %s: %w", j.path, err)
	}
	return messages, nil
}

// Append adds one persistent message to the end of the log.
func (j *Journal) Append(message registry.Message) error {
	if !j.Enabled() {
		return nil
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", j.path, err)
	}
	defer file.Close()
	if _, err := fmt.Fprintln(file, formatLine(message)); err != nil {
		return fmt.Errorf("journal: append %s: %w", j.path, err)
	}
	return nil
}

// Rewrite replaces the log contents with the given live persistent messages.
// The reaper owns the file exclusively while this runs.
func (j *Journal) Rewrite(messages []registry.Message) error {
	if !j.Enabled() {
		return nil
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: rewrite %s: %w", j.path, err)
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	for _, message := range messages {
		if message.Lifetime <= 0 {
			continue
		}
		if _, err := fmt.Fprintln(writer, formatLine(message)); err != nil {
			return fmt.Errorf("journal: rewrite %s: %w", j.path, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("journal: rewrite %s: %w", j.path, err)
	}
	return nil
}

// ReadTopic re-reads the log and returns every well-formed entry for the
// named topic, regardless of remaining lifetime. Diagnostics only; the
// in-memory store stays authoritative.
func (j *Journal) ReadTopic(topic string) ([]registry.Message, error) {
	if !j.Enabled() {
		return nil, nil
	}
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open %s: %w", j.path, err)
	}
	defer file.Close()

	var messages []registry.Message
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		message, ok := parseLine(scanner.Text())
		if !ok || message.Topic != topic {
			continue
		}
		messages = append(messages, message)
	}
	if err := scanner.Err(); err != nil {
		return messages, fmt.Errorf("journal: read %s: %w", j.path, err)
	}
	return messages, nil
}

func formatLine(message registry.Message) string {
	return fmt.Sprintf("%s %s %d %s", message.Topic, message.Author, message.Lifetime, message.Body)
}

// parseLine splits "topic username lifetime body" with the body greedily
// consuming the rest of the line.
func parseLine(line string) (registry.Message, bool) {
	fields := strings.SplitN(strings.TrimRight(line, "\r"), " ", 4)
	if len(fields) != 4 {
		return registry.Message{}, false
	}
	lifetime, err := strconv.Atoi(fields[2])
	if err != nil {
		return registry.Message{}, false
	}
	if fields[0] == "" || fields[1] == "" {
		return registry.Message{}, false
	}
	return registry.Message{
		Topic:    fields[0],
		Author:   fields[1],
		Lifetime: lifetime,
		Body:     fields[3],
	}, true
}
