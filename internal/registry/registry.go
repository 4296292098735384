// Package registry holds the broker's in-memory state: connected sessions,
// topics with their subscriber sets, and the bounded message store.
//
// The containers perform no locking of their own. They are owned by the
// broker core, which serializes every mutation behind its single mutex and
// hands the registries by reference to the dispatcher, the reaper, and the
// admin console only.
package registry

import "errors"

// Capacity bounds for the broker state. These mirror the limits of the wire
// contract; the registries re-validate them explicitly on every insert.
const (
	MaxSessions           = 10
	MaxUsernameBytes      = 49
	MaxTopics             = 20
	MaxTopicNameBytes     = 19
	MaxSubscribers        = 10
	MaxMessages           = 100
	MaxPersistentPerTopic = 5
	MaxBodyBytes          = 300
)

var (
	// ErrDuplicateUsername is returned when a connect reuses a registered name.
	ErrDuplicateUsername = errors.New("registry: username already in use")
	// ErrInvalidUsername is returned when a connect carries an empty or oversized name.
	ErrInvalidUsername = errors.New("registry: invalid username")
	// ErrSessionLimit indicates the session registry is full.
	ErrSessionLimit = errors.New("registry: maximum number of users reached")
	// ErrTopicLimit indicates the topic registry is full.
	ErrTopicLimit = errors.New("registry: maximum number of topics reached")
	// ErrTopicNameTooLong is returned when a topic name exceeds its bound.
	ErrTopicNameTooLong = errors.New("registry: topic name too long")
	// ErrTopicNotFound is returned when an operation names an unknown topic.
	ErrTopicNotFound = errors.New("registry: topic not found")
	// ErrSubscriberLimit indicates a topic's subscriber set is full.
	ErrSubscriberLimit = errors.New("registry: maximum subscribers reached")
	// ErrAlreadySubscribed is returned when a subscriber re-subscribes.
	ErrAlreadySubscribed = errors.New("registry: already subscribed")
	// ErrNotSubscribed is returned when an unsubscribe finds no membership.
	ErrNotSubscribed = errors.New("registry: not subscribed")
	// ErrStoreFull indicates the message store holds the maximum count.
	ErrStoreFull = errors.New("registry: message store full")
	// ErrPersistentQuota indicates a topic already holds its persistent quota.
	ErrPersistentQuota = errors.New("registry: persistent message quota reached")
	// ErrMessageTooLong is returned when a body exceeds the store bound.
	ErrMessageTooLong = errors.New("registry: message body too long")
)
