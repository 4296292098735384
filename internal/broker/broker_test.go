package broker

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"topicbus/broker/internal/journal"
	"topicbus/broker/internal/protocol"
	"topicbus/broker/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDelivery records every frame and termination keyed by reply channel.
type fakeDelivery struct {
	mu         sync.Mutex
	frames     map[string][]string
	terminated []string
	failFor    map[string]error
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{frames: make(map[string][]string), failFor: make(map[string]error)}
}

func (d *fakeDelivery) Send(channel, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failFor[channel]; ok {
		return err
	}
	d.frames[channel] = append(d.frames[channel], text)
	return nil
}

func (d *fakeDelivery) Terminate(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = append(d.terminated, channel)
}

func (d *fakeDelivery) framesFor(channel string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frames[channel]...)
}

func (d *fakeDelivery) lastFrame(channel string) string {
	frames := d.framesFor(channel)
	if len(frames) == 0 {
		return ""
	}
	return frames[len(frames)-1]
}

func (d *fakeDelivery) terminations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.terminated...)
}

// immediateSchedule runs deferred work synchronously so grace-delay
// terminations happen before the test continues.
func immediateSchedule(_ time.Duration, f func()) { f() }

type fixture struct {
	broker   *Broker
	delivery *fakeDelivery
	journal  *journal.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	delivery := newFakeDelivery()
	jrnl := journal.New(filepath.Join(t.TempDir(), "messages.log"))
	core := New(Options{
		Delivery:   delivery,
		Journal:    jrnl,
		MaxClients: registry.MaxSessions,
		GraceDelay: time.Millisecond,
		Schedule:   immediateSchedule,
	})
	return &fixture{broker: core, delivery: delivery, journal: jrnl}
}

func (f *fixture) connect(t *testing.T, username, channel string) {
	t.Helper()
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: channel,
		Command:      protocol.CommandConnect,
		Username:     username,
		PID:          1000,
	})
	if got := f.delivery.lastFrame(channel); got != "welcome, "+username+"\n" {
		t.Fatalf("connect %s: unexpected reply %q", username, got)
	}
}

func (f *fixture) subscribe(username, channel, topic string) {
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: channel,
		Command:      protocol.CommandSubscribe,
		Username:     username,
		Topic:        topic,
	})
}

func (f *fixture) publish(username, channel, topic string, lifetime int, body string) {
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: channel,
		Command:      protocol.CommandPublish,
		Username:     username,
		Topic:        topic,
		Lifetime:     lifetime,
		Body:         body,
	})
}

func TestConnectRejectsDuplicateUsernameAndTerminates(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-imposter",
		Command:      protocol.CommandConnect,
		Username:     "alice",
		PID:          2000,
	})

	want := `ERR: username "alice" is already in use.` + "\n"
	if got := f.delivery.lastFrame("ch-imposter"); got != want {
		t.Fatalf("expected duplicate reply %q, got %q", want, got)
	}
	terminated := f.delivery.terminations()
	if len(terminated) != 1 || terminated[0] != "ch-imposter" {
		t.Fatalf("expected ch-imposter terminated, got %v", terminated)
	}
	if users := f.broker.Users(); len(users) != 1 || users[0].Username != "alice" {
		t.Fatalf("roster corrupted: %+v", users)
	}
}

func TestConnectRejectsEleventhClient(t *testing.T) {
	f := newFixture(t)
	names := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9"}
	for _, name := range names {
		f.connect(t, name, "ch-"+name)
	}

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-late",
		Command:      protocol.CommandConnect,
		Username:     "latecomer",
	})
	if got := f.delivery.lastFrame("ch-late"); got != "ERR: maximum number of users reached.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(f.broker.Users()) != registry.MaxSessions {
		t.Fatalf("roster grew past the limit")
	}
}

func TestPublishFansOutToSubscribersExceptAuthor(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	f.connect(t, "cara", "ch-cara")
	f.subscribe("alice", "ch-alice", "news")
	f.subscribe("bob", "ch-bob", "news")

	f.publish("bob", "ch-bob", "news", 3, "hello world")

	if got := f.delivery.lastFrame("ch-bob"); got != "message sent.\n" {
		t.Fatalf("author confirmation missing, got %q", got)
	}
	if got := f.delivery.lastFrame("ch-alice"); got != "news bob 3 hello world\n" {
		t.Fatalf("subscriber frame mismatch: %q", got)
	}
	for _, frame := range f.delivery.framesFor("ch-cara") {
		if strings.Contains(frame, "hello world") {
			t.Fatalf("non-subscriber received the message: %q", frame)
		}
	}
}

func TestSubscribeReplaysBacklogBeforeConfirmation(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	f.subscribe("alice", "ch-alice", "news")
	f.publish("alice", "ch-alice", "news", 5, "first")
	f.publish("alice", "ch-alice", "news", 5, "second")
	f.publish("alice", "ch-alice", "news", 0, "ephemeral")

	f.subscribe("bob", "ch-bob", "news")

	frames := f.delivery.framesFor("ch-bob")
	if len(frames) < 3 {
		t.Fatalf("expected backlog plus confirmation, got %v", frames)
	}
	backlog := frames[len(frames)-2]
	confirmation := frames[len(frames)-1]
	if backlog != "news alice first\nnews alice second\n" {
		t.Fatalf("backlog mismatch: %q", backlog)
	}
	if strings.Contains(backlog, "ephemeral") {
		t.Fatalf("ephemeral message leaked into backlog: %q", backlog)
	}
	if confirmation != "subscribed to news.\n" {
		t.Fatalf("confirmation mismatch: %q", confirmation)
	}
}

func TestSubscribeCreatesMissingTopic(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "fresh")
	if got := f.delivery.lastFrame("ch-alice"); got != "topic fresh created and subscribed.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	if !f.broker.TopicKnown("fresh") {
		t.Fatalf("topic was not registered")
	}
	f.subscribe("alice", "ch-alice", "fresh")
	if got := f.delivery.lastFrame("ch-alice"); got != "you are already subscribed to fresh.\n" {
		t.Fatalf("unexpected duplicate reply %q", got)
	}
}

func TestSubscribeRejectsOverlongTopicName(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", strings.Repeat("x", registry.MaxTopicNameBytes+1))
	if got := f.delivery.lastFrame("ch-alice"); !strings.HasPrefix(got, "ERR: topic name exceeds") {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(f.broker.Topics()) != 0 {
		t.Fatalf("overlong name created a topic")
	}
}

func TestUnsubscribeReplies(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "news")

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandUnsubscribe,
		Username: "alice", Topic: "news",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "unsubscribed from news.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandUnsubscribe,
		Username: "alice", Topic: "news",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "you are not subscribed to news.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandUnsubscribe,
		Username: "alice", Topic: "ghost",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "topic ghost does not exist.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestListTopicsRendersRoster(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	f.subscribe("alice", "ch-alice", "news")
	f.subscribe("bob", "ch-bob", "news")
	f.subscribe("bob", "ch-bob", "sports")

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandListTopics, Username: "alice",
	})
	want := "topics:\n- news (subscribers: 2)\n- sports (subscribers: 1)\n"
	if got := f.delivery.lastFrame("ch-alice"); got != want {
		t.Fatalf("listing mismatch:\nwant %q\ngot  %q", want, got)
	}
}

func TestExitBroadcastsDepartureNotice(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-bob", Command: protocol.CommandExit, Username: "bob",
	})

	if got := f.delivery.lastFrame("ch-alice"); got != "user bob has disconnected.\n" {
		t.Fatalf("expected departure notice, got %q", got)
	}
	terminated := f.delivery.terminations()
	if len(terminated) != 1 || terminated[0] != "ch-bob" {
		t.Fatalf("expected ch-bob terminated, got %v", terminated)
	}
	if len(f.broker.Users()) != 1 {
		t.Fatalf("session was not removed")
	}
}

func TestDisconnectIsSilent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	before := len(f.delivery.framesFor("ch-alice"))

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-bob", Command: protocol.CommandDisconnect, Username: "bob",
	})

	if after := len(f.delivery.framesFor("ch-alice")); after != before {
		t.Fatalf("interrupt departure was broadcast")
	}
	terminated := f.delivery.terminations()
	if len(terminated) != 1 || terminated[0] != "ch-bob" {
		t.Fatalf("expected ch-bob terminated, got %v", terminated)
	}
}

func TestPublishRejectsSixthPersistentMessage(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "news")
	for i := 0; i < registry.MaxPersistentPerTopic; i++ {
		f.publish("alice", "ch-alice", "news", 10, "kept")
		if got := f.delivery.lastFrame("ch-alice"); got != "message sent.\n" {
			t.Fatalf("persistent publish %d rejected: %q", i, got)
		}
	}

	f.publish("alice", "ch-alice", "news", 10, "one too many")
	if got := f.delivery.lastFrame("ch-alice"); !strings.HasPrefix(got, "ERR: persistent message limit") {
		t.Fatalf("unexpected reply %q", got)
	}
	//1.- Ephemeral traffic is exempt from the persistent quota.
	f.publish("alice", "ch-alice", "news", 0, "still flows")
	if got := f.delivery.lastFrame("ch-alice"); got != "message sent.\n" {
		t.Fatalf("ephemeral publish blocked by quota: %q", got)
	}
	persisted, err := f.broker.PersistedMessages("news")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(persisted) != registry.MaxPersistentPerTopic {
		t.Fatalf("journal holds %d entries, want %d", len(persisted), registry.MaxPersistentPerTopic)
	}
}

func TestPublishRejectsOverlongBody(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.publish("alice", "ch-alice", "news", 0, strings.Repeat("b", registry.MaxBodyBytes+1))
	if got := f.delivery.lastFrame("ch-alice"); !strings.HasPrefix(got, "ERR: message exceeds") {
		t.Fatalf("unexpected reply %q", got)
	}
	f.publish("alice", "ch-alice", "news", 0, strings.Repeat("b", registry.MaxBodyBytes))
	if got := f.delivery.lastFrame("ch-alice"); got != "message sent.\n" {
		t.Fatalf("boundary-length body rejected: %q", got)
	}
}

func TestLockedTopicRejectsPublishUntilUnlocked(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	f.subscribe("alice", "ch-alice", "news")
	f.subscribe("bob", "ch-bob", "news")

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandLock, Username: "alice", Topic: "news",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "topic news locked.\n" {
		t.Fatalf("lock reply mismatch: %q", got)
	}
	if got := f.delivery.lastFrame("ch-bob"); got != "topic news has been locked; publishing is temporarily disabled.\n" {
		t.Fatalf("lock notice mismatch: %q", got)
	}

	f.publish("bob", "ch-bob", "news", 0, "blocked")
	if got := f.delivery.lastFrame("ch-bob"); got != "topic news is locked, message rejected.\n" {
		t.Fatalf("locked publish reply mismatch: %q", got)
	}

	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandUnlock, Username: "alice", Topic: "news",
	})
	f.publish("bob", "ch-bob", "news", 0, "flows again")
	if got := f.delivery.lastFrame("ch-bob"); got != "message sent.\n" {
		t.Fatalf("publish after unlock rejected: %q", got)
	}
}

func TestLockIsIdempotentPerState(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "news")
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandLock, Username: "alice", Topic: "news",
	})
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandLock, Username: "alice", Topic: "news",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "topic news is already locked.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
	f.broker.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandLock, Username: "alice", Topic: "ghost",
	})
	if got := f.delivery.lastFrame("ch-alice"); got != "topic ghost does not exist.\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestTickExpiresMessagesAndSweepsTopics(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "kept")
	f.publish("alice", "ch-alice", "kept", 2, "lives two ticks")
	f.publish("alice", "ch-alice", "orphan", 2, "lives two ticks")

	f.broker.Tick()
	if !f.broker.TopicKnown("orphan") {
		t.Fatalf("orphan still has a live message, should survive the first tick")
	}
	f.broker.Tick()
	if f.broker.TopicKnown("orphan") {
		t.Fatalf("orphan lost its last message and subscriber-less topic was not swept")
	}
	if !f.broker.TopicKnown("kept") {
		t.Fatalf("subscribed topic was swept")
	}

	persisted, err := f.broker.PersistedMessages("kept")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("journal still holds expired entries: %+v", persisted)
	}
}

func TestTickRewritesJournalWithSurvivors(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.subscribe("alice", "ch-alice", "news")
	f.publish("alice", "ch-alice", "news", 1, "short lived")
	f.publish("alice", "ch-alice", "news", 5, "long lived")

	f.broker.Tick()

	persisted, err := f.broker.PersistedMessages("news")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Body != "long lived" {
		t.Fatalf("journal survivors mismatch: %+v", persisted)
	}
	if persisted[0].Lifetime != 4 {
		t.Fatalf("survivor lifetime not aged: %d", persisted[0].Lifetime)
	}
}

func TestSeedRestoresJournaledMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	first := journal.New(path)
	if err := first.Append(registry.Message{Topic: "news", Author: "alice", Body: "restored", Lifetime: 3}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	delivery := newFakeDelivery()
	core := New(Options{
		Delivery:   delivery,
		Journal:    journal.New(path),
		MaxClients: registry.MaxSessions,
		Schedule:   immediateSchedule,
	})
	loaded, err := core.Seed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("loaded %d messages, want 1", loaded)
	}
	if !core.TopicKnown("news") {
		t.Fatalf("seeded topic not registered")
	}

	//1.- A subscriber joining after the restart receives the restored backlog.
	core.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-bob", Command: protocol.CommandConnect, Username: "bob",
	})
	core.Dispatch(&protocol.Envelope{
		ReplyChannel: "ch-bob", Command: protocol.CommandSubscribe, Username: "bob", Topic: "news",
	})
	frames := delivery.framesFor("ch-bob")
	joined := strings.Join(frames, "")
	if !strings.Contains(joined, "news alice restored\n") {
		t.Fatalf("restored backlog missing from %v", frames)
	}
}

func TestSeededTopicSurvivesSweepWhileActive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.log")
	first := journal.New(path)
	if err := first.Append(registry.Message{Topic: "news", Author: "alice", Body: "restored", Lifetime: 2}); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	core := New(Options{
		Delivery:   newFakeDelivery(),
		Journal:    journal.New(path),
		MaxClients: registry.MaxSessions,
		Schedule:   immediateSchedule,
	})
	if _, err := core.Seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	core.Tick()
	if !core.TopicKnown("news") {
		t.Fatalf("topic swept while its persistent message was live")
	}
	core.Tick()
	if core.TopicKnown("news") {
		t.Fatalf("topic kept after its last message expired")
	}
}

func TestShutdownNotifiesAndTerminatesEverySession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")

	f.broker.Shutdown()

	for _, channel := range []string{"ch-alice", "ch-bob"} {
		if got := f.delivery.lastFrame(channel); got != "broker shutting down.\n" {
			t.Fatalf("%s: unexpected final frame %q", channel, got)
		}
	}
	if terminated := f.delivery.terminations(); len(terminated) != 2 {
		t.Fatalf("expected 2 terminations, got %v", terminated)
	}
}

func TestRemoveUserOnOperatorsBehalf(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")

	if !f.broker.RemoveUser("bob") {
		t.Fatalf("known user reported as missing")
	}
	if got := f.delivery.lastFrame("ch-alice"); got != "user bob has disconnected.\n" {
		t.Fatalf("expected departure notice, got %q", got)
	}
	if f.broker.RemoveUser("ghost") {
		t.Fatalf("unknown user reported as removed")
	}
}

func TestSendSwallowsDeliveryFailures(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "alice", "ch-alice")
	f.connect(t, "bob", "ch-bob")
	f.subscribe("alice", "ch-alice", "news")
	f.subscribe("bob", "ch-bob", "news")
	f.delivery.mu.Lock()
	f.delivery.failFor["ch-alice"] = errors.New("channel busy")
	f.delivery.mu.Unlock()

	f.publish("bob", "ch-bob", "news", 0, "hello")
	if got := f.delivery.lastFrame("ch-bob"); got != "message sent.\n" {
		t.Fatalf("author confirmation lost to a peer failure: %q", got)
	}
}

func TestRunStopsWhenCommandChannelCloses(t *testing.T) {
	f := newFixture(t)
	commands := make(chan *protocol.Envelope)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- f.broker.Run(stop, commands) }()

	commands <- &protocol.Envelope{
		ReplyChannel: "ch-alice", Command: protocol.CommandConnect, Username: "alice",
	}
	close(commands)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.delivery.lastFrame("ch-alice"); got != "welcome, alice\n" {
		t.Fatalf("command lost before shutdown: %q", got)
	}
}
