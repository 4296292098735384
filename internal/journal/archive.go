package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"

	"topicbus/broker/internal/registry"
)

// Archive appends expired persistent messages to a snappy-compressed history
// stream so operators can inspect what the reaper pruned. It never feeds
// back into broker state.
type Archive struct {
	mu     sync.Mutex
	file   *os.File
	stream *snappy.Writer
	now    func() time.Time
}

// NewArchive opens (or creates) the compressed history at path. An empty
// path disables archiving and returns a nil archive, which every method
// tolerates.
func NewArchive(path string, clock func() time.Time) (*Archive, error) {
	if path == "" {
		return nil, nil
	}
	if clock == nil {
		clock = time.Now
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open archive %s: %w", path, err)
	}
	return &Archive{file: file, stream: snappy.NewBufferedWriter(file), now: clock}, nil
}

type archiveRecord struct {
	Tick      uint64 `json:"tick"`
	ExpiredAt string `json:"expired_at"`
	Topic     string `json:"topic"`
	Author    string `json:"author"`
	Lifetime  int    `json:"lifetime"`
	Body      string `json:"body"`
}

// AppendExpired records the messages pruned by one reaper tick as JSON lines
// in the compressed stream.
func (a *Archive) AppendExpired(tick uint64, messages []registry.Message) error {
	if a == nil || len(messages) == 0 {
		return nil
	}
	expired := a.now().UTC().Format(time.RFC3339Nano)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, message := range messages {
		record := archiveRecord{
			Tick:      tick,
			ExpiredAt: expired,
			Topic:     message.Topic,
			Author:    message.Author,
			Lifetime:  message.Lifetime,
			Body:      message.Body,
		}
		line, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := a.stream.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return a.stream.Flush()
}

// Close flushes the stream and releases the file handle.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if err := a.stream.Close(); err != nil {
		firstErr = err
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
