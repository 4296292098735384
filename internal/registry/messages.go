package registry

import "fmt"

// Message is one published message. Lifetime counts remaining reaper ticks:
// zero marks an ephemeral message that survives only until the next tick.
type Message struct {
	Topic    string
	Author   string
	Body     string
	Lifetime int
}

// Persistent reports whether the message is mirrored to the durable journal.
func (m Message) Persistent() bool { return m.Lifetime > 0 }

// Store is the bounded, insertion-ordered message store.
type Store struct {
	list []Message
	max  int
}

// NewStore constructs a store bounded at max messages. A non-positive max
// falls back to the default store limit.
func NewStore(max int) *Store {
	if max <= 0 {
		max = MaxMessages
	}
	return &Store{max: max}
}

// Append admits a message, enforcing the body bound, the per-topic persistent
// quota, and the overall store capacity. Validation happens before any
// mutation so a rejected message leaves the store unchanged.
func (s *Store) Append(message Message) error {
	if len(message.Body) > MaxBodyBytes {
		return fmt.Errorf("%w (%d bytes)", ErrMessageTooLong, len(message.Body))
	}
	if message.Persistent() && s.PersistentCount(message.Topic) >= MaxPersistentPerTopic {
		return fmt.Errorf("%w (%d) on %q", ErrPersistentQuota, MaxPersistentPerTopic, message.Topic)
	}
	if len(s.list) >= s.max {
		return fmt.Errorf("%w (%d)", ErrStoreFull, s.max)
	}
	s.list = append(s.list, message)
	return nil
}

// PersistentCount counts live persistent messages on the named topic.
func (s *Store) PersistentCount(topic string) int {
	count := 0
	for _, message := range s.list {
		if message.Topic == topic && message.Persistent() {
			count++
		}
	}
	return count
}

// Backlog returns the live persistent messages for the topic in store order.
func (s *Store) Backlog(topic string) []Message {
	var backlog []Message
	for _, message := range s.list {
		if message.Topic == topic && message.Persistent() {
			backlog = append(backlog, message)
		}
	}
	return backlog
}

// HasPersistent reports whether any live persistent message references the topic.
func (s *Store) HasPersistent(topic string) bool {
	for _, message := range s.list {
		if message.Topic == topic && message.Persistent() {
			return true
		}
	}
	return false
}

// Age advances the store by one tick: every positive lifetime is decremented,
// then every message at zero is removed preserving the order of survivors.
// The expired messages are returned so the reaper can archive them.
func (s *Store) Age() []Message {
	//1.- Decrement first so a message published with lifetime L survives
	// exactly L ticks before expiring.
	for i := range s.list {
		if s.list[i].Lifetime > 0 {
			s.list[i].Lifetime--
		}
	}
	var expired []Message
	survivors := s.list[:0]
	for _, message := range s.list {
		if message.Lifetime > 0 {
			survivors = append(survivors, message)
			continue
		}
		expired = append(expired, message)
	}
	s.list = survivors
	return expired
}

// Persistent returns every live persistent message in store order, for
// journal rewrites.
func (s *Store) Persistent() []Message {
	var out []Message
	for _, message := range s.list {
		if message.Persistent() {
			out = append(out, message)
		}
	}
	return out
}

// All returns a defensive copy of the store in insertion order.
func (s *Store) All() []Message {
	out := make([]Message, len(s.list))
	copy(out, s.list)
	return out
}

// Len reports the number of stored messages.
func (s *Store) Len() int { return len(s.list) }
