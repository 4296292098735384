// Package broker implements the bus core: the serialized command
// dispatcher, the lifetime reaper, and the admin console. All three flows
// mutate the session, topic, and message registries behind one mutex; the
// lock covers exactly one command or tick at a time and is never held
// across a blocking receive. Replies are collected under the lock and
// delivered after it is released.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"topicbus/broker/internal/journal"
	"topicbus/broker/internal/logging"
	"topicbus/broker/internal/protocol"
	"topicbus/broker/internal/registry"
)

// Delivery abstracts the hub: at-most-once frame delivery to a reply
// channel, plus an explicit termination request replacing process signals.
type Delivery interface {
	Send(channel, text string) error
	Terminate(channel string)
}

// Options configures the broker core.
type Options struct {
	Delivery   Delivery
	Journal    *journal.Journal
	Archive    *journal.Archive
	Logger     *logging.Logger
	MaxClients int
	GraceDelay time.Duration
	// Schedule defers a function by a delay; tests replace it to make the
	// grace-delay termination deterministic. Defaults to time.AfterFunc.
	Schedule func(time.Duration, func())
}

// Broker owns the registries and serializes every mutation.
type Broker struct {
	mu       sync.Mutex
	sessions *registry.Sessions
	topics   *registry.Topics
	store    *registry.Store
	journal  *journal.Journal
	archive  *journal.Archive
	delivery Delivery
	logger   *logging.Logger
	grace    time.Duration
	schedule func(time.Duration, func())
	tick     uint64
}

// outbound is one reply staged under the lock for delivery after it.
type outbound struct {
	channel string
	text    string
}

// New constructs the broker core around the supplied collaborators.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	jrnl := opts.Journal
	if jrnl == nil {
		jrnl = journal.New("")
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return &Broker{
		sessions: registry.NewSessions(opts.MaxClients),
		topics:   registry.NewTopics(0),
		store:    registry.NewStore(0),
		journal:  jrnl,
		archive:  opts.Archive,
		delivery: opts.Delivery,
		logger:   logger,
		grace:    opts.GraceDelay,
		schedule: schedule,
	}
}

// Seed loads the durable journal into the store and topic registry. Topics
// referenced by a loaded message are created subscriber-less and marked
// active. Returns the number of messages loaded.
func (b *Broker) Seed() (int, error) {
	messages, err := b.journal.Load()
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	loaded := 0
	for _, message := range messages {
		topic, err := b.topics.Create(message.Topic)
		if err != nil {
			b.logger.Warn("journal entry references unloadable topic",
				logging.String("topic", message.Topic), logging.Error(err))
			continue
		}
		if err := b.store.Append(message); err != nil {
			b.logger.Warn("journal entry dropped",
				logging.String("topic", message.Topic), logging.Error(err))
			continue
		}
		topic.HasActive = true
		loaded++
	}
	return loaded, nil
}

// Run consumes command envelopes until the channel closes or stop is signalled.
func (b *Broker) Run(stop <-chan struct{}, commands <-chan *protocol.Envelope) error {
	for {
		select {
		case <-stop:
			return nil
		case envelope, ok := <-commands:
			if !ok {
				return nil
			}
			b.Dispatch(envelope)
		}
	}
}

// Dispatch routes one envelope to its handler. Exactly one handler runs per
// command type; anything unmapped earns the unrecognized reply and mutates
// nothing.
func (b *Broker) Dispatch(envelope *protocol.Envelope) {
	if envelope == nil {
		return
	}
	b.logger.Debug("command received",
		logging.String("command", envelope.Command.String()),
		logging.String("username", envelope.Username),
		logging.String("topic", envelope.Topic))

	switch envelope.Command {
	case protocol.CommandConnect:
		b.handleConnect(envelope)
	case protocol.CommandSubscribe:
		b.handleSubscribe(envelope)
	case protocol.CommandListTopics:
		b.handleListTopics(envelope)
	case protocol.CommandExit:
		b.handleExit(envelope)
	case protocol.CommandUnsubscribe:
		b.handleUnsubscribe(envelope)
	case protocol.CommandPublish:
		b.handlePublish(envelope)
	case protocol.CommandLock:
		b.handleLockToggle(envelope, true)
	case protocol.CommandUnlock:
		b.handleLockToggle(envelope, false)
	case protocol.CommandDisconnect:
		b.handleDisconnect(envelope)
	default:
		b.send(outbound{envelope.ReplyChannel, "unrecognized command.\n"})
	}
}

func (b *Broker) handleConnect(envelope *protocol.Envelope) {
	session := registry.Session{
		ReplyChannel: envelope.ReplyChannel,
		Username:     envelope.Username,
		PID:          envelope.PID,
	}
	b.mu.Lock()
	err := b.sessions.Add(session)
	b.mu.Unlock()

	if err != nil {
		var reply string
		switch {
		case errors.Is(err, registry.ErrDuplicateUsername):
			reply = fmt.Sprintf("ERR: username %q is already in use.\n", envelope.Username)
		case errors.Is(err, registry.ErrInvalidUsername):
			reply = "ERR: invalid username.\n"
		default:
			reply = "ERR: maximum number of users reached.\n"
		}
		b.logger.Warn("connect rejected",
			logging.String("username", envelope.Username),
			logging.Int("pid", envelope.PID),
			logging.Error(err))
		b.send(outbound{envelope.ReplyChannel, reply})
		//1.- The offender gets the grace delay to read the reply, then its
		// channel is forcibly closed in place of a process signal.
		b.scheduleTermination(envelope.ReplyChannel)
		return
	}

	b.logger.Info("client connected",
		logging.String("username", envelope.Username),
		logging.Int("pid", envelope.PID),
		logging.String("channel", envelope.ReplyChannel))
	b.send(outbound{envelope.ReplyChannel, fmt.Sprintf("welcome, %s\n", envelope.Username)})
}

func (b *Broker) handleSubscribe(envelope *protocol.Envelope) {
	name := envelope.Topic
	if len(name) > registry.MaxTopicNameBytes {
		b.send(outbound{envelope.ReplyChannel,
			fmt.Sprintf("ERR: topic name exceeds %d characters.\n", registry.MaxTopicNameBytes)})
		return
	}

	var replies []outbound
	b.mu.Lock()
	topic, exists := b.topics.Lookup(name)
	if exists {
		switch err := topic.AddSubscriber(envelope.Username); {
		case errors.Is(err, registry.ErrAlreadySubscribed):
			replies = append(replies, outbound{envelope.ReplyChannel,
				fmt.Sprintf("you are already subscribed to %s.\n", name)})
		case errors.Is(err, registry.ErrSubscriberLimit):
			replies = append(replies, outbound{envelope.ReplyChannel,
				fmt.Sprintf("ERR: maximum subscribers reached for %s.\n", name)})
		default:
			//1.- Backlog first, confirmation second, so a joining subscriber
			// can tell replayed history from live traffic.
			if frame := backlogFrame(b.store.Backlog(name)); frame != "" {
				replies = append(replies, outbound{envelope.ReplyChannel, frame})
			}
			replies = append(replies, outbound{envelope.ReplyChannel,
				fmt.Sprintf("subscribed to %s.\n", name)})
		}
	} else {
		created, err := b.topics.Create(name)
		if err != nil {
			replies = append(replies, outbound{envelope.ReplyChannel, topicLimitReply(err)})
		} else {
			_ = created.AddSubscriber(envelope.Username)
			replies = append(replies, outbound{envelope.ReplyChannel,
				fmt.Sprintf("topic %s created and subscribed.\n", name)})
			//2.- The journal may have seeded persistent messages for this name
			// before any subscriber existed; replay them after the confirmation.
			if frame := backlogFrame(b.store.Backlog(name)); frame != "" {
				replies = append(replies, outbound{envelope.ReplyChannel, frame})
			}
		}
	}
	b.mu.Unlock()

	b.send(replies...)
}

func (b *Broker) handleUnsubscribe(envelope *protocol.Envelope) {
	name := envelope.Topic
	b.mu.Lock()
	topic, exists := b.topics.Lookup(name)
	removed := false
	if exists {
		removed = topic.RemoveSubscriber(envelope.Username)
	}
	b.mu.Unlock()

	switch {
	case !exists:
		b.send(outbound{envelope.ReplyChannel, fmt.Sprintf("topic %s does not exist.\n", name)})
	case !removed:
		b.send(outbound{envelope.ReplyChannel, fmt.Sprintf("you are not subscribed to %s.\n", name)})
	default:
		b.send(outbound{envelope.ReplyChannel, fmt.Sprintf("unsubscribed from %s.\n", name)})
	}
}

func (b *Broker) handleListTopics(envelope *protocol.Envelope) {
	b.mu.Lock()
	infos := b.topics.List()
	b.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("topics:\n")
	for _, info := range infos {
		fmt.Fprintf(&sb, "- %s (subscribers: %d)\n", info.Name, info.Subscribers)
	}
	b.send(outbound{envelope.ReplyChannel, sb.String()})
}

func (b *Broker) handleExit(envelope *protocol.Envelope) {
	replies, terminate := b.removeUser(envelope.Username, true)
	b.send(replies...)
	if terminate != "" {
		b.delivery.Terminate(terminate)
	}
}

// handleDisconnect drops the session of a client that announced its own
// interrupt. No departure notice is broadcast.
func (b *Broker) handleDisconnect(envelope *protocol.Envelope) {
	replies, terminate := b.removeUser(envelope.Username, false)
	b.send(replies...)
	if terminate != "" {
		b.delivery.Terminate(terminate)
	}
}

// removeUser drops the named session and, when notify is set, stages a
// departure notice for every remaining session. The removed session's reply
// channel is returned so the caller can terminate it outside the lock.
func (b *Broker) removeUser(username string, notify bool) ([]outbound, string) {
	b.mu.Lock()
	session, found := b.sessions.Remove(username)
	var notices []outbound
	if found && notify {
		text := fmt.Sprintf("user %s has disconnected.\n", username)
		for _, remaining := range b.sessions.List() {
			notices = append(notices, outbound{remaining.ReplyChannel, text})
		}
	}
	b.mu.Unlock()

	if !found {
		//1.- An unknown name is reported locally only; nobody is replied to.
		b.logger.Info("remove requested for unknown user", logging.String("username", username))
		return nil, ""
	}
	b.logger.Info("client removed",
		logging.String("username", username),
		logging.Int("pid", session.PID),
		logging.Bool("notified", notify))
	return notices, session.ReplyChannel
}

func (b *Broker) handlePublish(envelope *protocol.Envelope) {
	name := envelope.Topic
	if len(name) > registry.MaxTopicNameBytes {
		b.send(outbound{envelope.ReplyChannel,
			fmt.Sprintf("ERR: topic name exceeds %d characters.\n", registry.MaxTopicNameBytes)})
		return
	}

	var replies []outbound
	b.mu.Lock()
	topic, exists := b.topics.Lookup(name)
	if !exists {
		created, err := b.topics.Create(name)
		if err != nil {
			b.mu.Unlock()
			b.send(outbound{envelope.ReplyChannel, topicLimitReply(err)})
			return
		}
		topic = created
	}

	switch {
	case topic.Locked:
		replies = append(replies, outbound{envelope.ReplyChannel,
			fmt.Sprintf("topic %s is locked, message rejected.\n", name)})
	default:
		message := registry.Message{
			Topic:    name,
			Author:   envelope.Username,
			Body:     envelope.Body,
			Lifetime: envelope.Lifetime,
		}
		if err := b.store.Append(message); err != nil {
			replies = append(replies, outbound{envelope.ReplyChannel, storeReply(err)})
			break
		}
		if message.Persistent() {
			topic.HasActive = true
		}
		//1.- Fan out to every current subscriber except the author; stale
		// subscriber names simply resolve to no session and are skipped.
		frame := fmt.Sprintf("%s %s %d %s\n", name, message.Author, message.Lifetime, message.Body)
		for _, subscriber := range topic.Subscribers {
			if subscriber == message.Author {
				continue
			}
			if session, ok := b.sessions.Lookup(subscriber); ok {
				replies = append(replies, outbound{session.ReplyChannel, frame})
			}
		}
		if message.Persistent() {
			if err := b.journal.Append(message); err != nil {
				b.logger.Warn("journal append failed", logging.Error(err))
			}
		}
		replies = append(replies, outbound{envelope.ReplyChannel, "message sent.\n"})
	}
	b.mu.Unlock()

	b.send(replies...)
}

func (b *Broker) handleLockToggle(envelope *protocol.Envelope, locked bool) {
	reply, notices := b.setTopicLock(envelope.Topic, locked)
	b.send(append(notices, outbound{envelope.ReplyChannel, reply})...)
}

// setTopicLock flips the lock flag and stages the subscriber notices. Both
// the dispatcher and the admin console route through here.
func (b *Broker) setTopicLock(name string, locked bool) (string, []outbound) {
	verb := "locked"
	if !locked {
		verb = "unlocked"
	}

	b.mu.Lock()
	topic, exists := b.topics.Lookup(name)
	if !exists {
		b.mu.Unlock()
		return fmt.Sprintf("topic %s does not exist.\n", name), nil
	}
	if topic.Locked == locked {
		b.mu.Unlock()
		b.logger.Info("topic lock state unchanged",
			logging.String("topic", name), logging.Bool("locked", locked))
		return fmt.Sprintf("topic %s is already %s.\n", name, verb), nil
	}
	topic.Locked = locked
	var text string
	if locked {
		text = fmt.Sprintf("topic %s has been locked; publishing is temporarily disabled.\n", name)
	} else {
		text = fmt.Sprintf("topic %s has been unlocked; publishing is allowed again.\n", name)
	}
	var notices []outbound
	for _, subscriber := range topic.Subscribers {
		if session, ok := b.sessions.Lookup(subscriber); ok {
			notices = append(notices, outbound{session.ReplyChannel, text})
		}
	}
	b.mu.Unlock()

	b.logger.Info("topic lock state changed",
		logging.String("topic", name), logging.Bool("locked", locked))
	return fmt.Sprintf("topic %s %s.\n", name, verb), notices
}

// Shutdown notifies every session of termination and closes their channels.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	sessions := b.sessions.List()
	b.mu.Unlock()
	for _, session := range sessions {
		_ = b.delivery.Send(session.ReplyChannel, "broker shutting down.\n")
		b.delivery.Terminate(session.ReplyChannel)
	}
	b.logger.Info("broker shut down", logging.Int("sessions", len(sessions)))
}

// Users returns the roster for console display.
func (b *Broker) Users() []registry.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions.List()
}

// Topics returns the topic listing for console display.
func (b *Broker) Topics() []registry.TopicInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics.List()
}

// TopicKnown reports whether the named topic is currently registered.
func (b *Broker) TopicKnown(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics.Lookup(name)
	return ok
}

// RemoveUser force-disconnects the named user on the operator's behalf.
func (b *Broker) RemoveUser(username string) bool {
	replies, terminate := b.removeUser(username, true)
	b.send(replies...)
	if terminate == "" {
		return false
	}
	b.delivery.Terminate(terminate)
	return true
}

// SetTopicLock toggles the lock flag on the operator's behalf and returns
// the status line for console display.
func (b *Broker) SetTopicLock(name string, locked bool) string {
	reply, notices := b.setTopicLock(name, locked)
	b.send(notices...)
	return strings.TrimSuffix(reply, "\n")
}

// PersistedMessages reads the journal entries for a topic, for diagnostics.
func (b *Broker) PersistedMessages(topic string) ([]registry.Message, error) {
	return b.journal.ReadTopic(topic)
}

func (b *Broker) scheduleTermination(channel string) {
	b.schedule(b.grace, func() { b.delivery.Terminate(channel) })
}

// send delivers staged frames outside any critical section. Delivery
// failures are swallowed and logged, never propagated to the sender.
func (b *Broker) send(replies ...outbound) {
	for _, reply := range replies {
		if reply.channel == "" {
			continue
		}
		if err := b.delivery.Send(reply.channel, reply.text); err != nil {
			b.logger.Debug("frame dropped",
				logging.String("channel", reply.channel), logging.Error(err))
		}
	}
}

// backlogFrame renders live persistent messages one per line, oldest first.
func backlogFrame(messages []registry.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, message := range messages {
		fmt.Fprintf(&sb, "%s %s %s\n", message.Topic, message.Author, message.Body)
	}
	return sb.String()
}

func topicLimitReply(err error) string {
	if errors.Is(err, registry.ErrTopicNameTooLong) {
		return fmt.Sprintf("ERR: topic name exceeds %d characters.\n", registry.MaxTopicNameBytes)
	}
	return "ERR: maximum number of topics reached.\n"
}

func storeReply(err error) string {
	switch {
	case errors.Is(err, registry.ErrMessageTooLong):
		return fmt.Sprintf("ERR: message exceeds %d bytes.\n", registry.MaxBodyBytes)
	case errors.Is(err, registry.ErrPersistentQuota):
		return fmt.Sprintf("ERR: persistent message limit (%d) reached on this topic.\n", registry.MaxPersistentPerTopic)
	default:
		return "ERR: message store full.\n"
	}
}
