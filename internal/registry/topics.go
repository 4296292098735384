package registry

import "fmt"

// Topic is one named channel: its ordered subscriber set, the operator lock,
// and whether any persistent message currently references it.
type Topic struct {
	Name        string
	Subscribers []string
	Locked      bool
	HasActive   bool
}

// Subscribed reports whether the username is already in the subscriber set.
func (t *Topic) Subscribed(username string) bool {
	for _, subscriber := range t.Subscribers {
		if subscriber == username {
			return true
		}
	}
	return false
}

// AddSubscriber appends the username, enforcing membership and capacity.
func (t *Topic) AddSubscriber(username string) error {
	if t.Subscribed(username) {
		return fmt.Errorf("%w: %q on %q", ErrAlreadySubscribed, username, t.Name)
	}
	if len(t.Subscribers) >= MaxSubscribers {
		return fmt.Errorf("%w (%d) on %q", ErrSubscriberLimit, MaxSubscribers, t.Name)
	}
	t.Subscribers = append(t.Subscribers, username)
	return nil
}

// RemoveSubscriber deletes the username preserving the relative order of the
// remaining subscribers.
func (t *Topic) RemoveSubscriber(username string) bool {
	for i, subscriber := range t.Subscribers {
		if subscriber == username {
			t.Subscribers = append(t.Subscribers[:i], t.Subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// TopicInfo is the read-only listing row for console and client displays.
type TopicInfo struct {
	Name        string
	Subscribers int
	Locked      bool
}

// Topics is the bounded, insertion-ordered topic registry.
type Topics struct {
	list []*Topic
	max  int
}

// NewTopics constructs a registry bounded at max topics. A non-positive max
// falls back to the default topic limit.
func NewTopics(max int) *Topics {
	if max <= 0 {
		max = MaxTopics
	}
	return &Topics{max: max}
}

// Lookup finds a topic by name.
func (r *Topics) Lookup(name string) (*Topic, bool) {
	for _, topic := range r.list {
		if topic.Name == name {
			return topic, true
		}
	}
	return nil, false
}

// Create registers a new empty topic, enforcing the name and capacity bounds.
// Creating a name that already exists returns the existing topic untouched,
// so the registry can never hold a duplicate name.
func (r *Topics) Create(name string) (*Topic, error) {
	if name == "" || len(name) > MaxTopicNameBytes {
		return nil, fmt.Errorf("%w: %q", ErrTopicNameTooLong, name)
	}
	if existing, ok := r.Lookup(name); ok {
		return existing, nil
	}
	if len(r.list) >= r.max {
		return nil, fmt.Errorf("%w (%d)", ErrTopicLimit, r.max)
	}
	topic := &Topic{Name: name}
	r.list = append(r.list, topic)
	return topic, nil
}

// Sweep removes every topic with zero subscribers and no active messages,
// preserving the order of the survivors, and returns the removed names.
func (r *Topics) Sweep() []string {
	var removed []string
	survivors := r.list[:0]
	for _, topic := range r.list {
		if len(topic.Subscribers) == 0 && !topic.HasActive {
			removed = append(removed, topic.Name)
			continue
		}
		survivors = append(survivors, topic)
	}
	r.list = survivors
	return removed
}

// All iterates the registry in insertion order.
func (r *Topics) All() []*Topic {
	out := make([]*Topic, len(r.list))
	copy(out, r.list)
	return out
}

// List returns the listing rows in registry order.
func (r *Topics) List() []TopicInfo {
	out := make([]TopicInfo, 0, len(r.list))
	for _, topic := range r.list {
		out = append(out, TopicInfo{Name: topic.Name, Subscribers: len(topic.Subscribers), Locked: topic.Locked})
	}
	return out
}

// Len reports the number of registered topics.
func (r *Topics) Len() int { return len(r.list) }
