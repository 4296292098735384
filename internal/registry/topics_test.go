package registry

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTopicsCreateEnforcesBounds(t *testing.T) {
	topics := NewTopics(2)
	if _, err := topics.Create(""); !errors.Is(err, ErrTopicNameTooLong) {
		t.Fatalf("expected name error for empty topic, got %v", err)
	}
	if _, err := topics.Create(strings.Repeat("x", MaxTopicNameBytes+1)); !errors.Is(err, ErrTopicNameTooLong) {
		t.Fatalf("expected name error for oversized topic, got %v", err)
	}
	first, err := topics.Create("news")
	if err != nil {
		t.Fatalf("create news: %v", err)
	}
	//1.- Creating an existing name must hand back the same topic, never a twin.
	again, err := topics.Create("news")
	if err != nil || again != first {
		t.Fatalf("duplicate create: topic=%p first=%p err=%v", again, first, err)
	}
	if _, err := topics.Create("sports"); err != nil {
		t.Fatalf("create sports: %v", err)
	}
	if _, err := topics.Create("weather"); !errors.Is(err, ErrTopicLimit) {
		t.Fatalf("expected topic limit error, got %v", err)
	}
}

func TestTopicSubscribersOrderAndBounds(t *testing.T) {
	topic := &Topic{Name: "news"}
	for i := 0; i < MaxSubscribers; i++ {
		if err := topic.AddSubscriber(fmt.Sprintf("user-%d", i)); err != nil {
			t.Fatalf("add user-%d: %v", i, err)
		}
	}
	if err := topic.AddSubscriber("user-0"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected already subscribed, got %v", err)
	}
	if err := topic.AddSubscriber("overflow"); !errors.Is(err, ErrSubscriberLimit) {
		t.Fatalf("expected subscriber limit, got %v", err)
	}
	if !topic.RemoveSubscriber("user-3") {
		t.Fatalf("remove user-3 reported absence")
	}
	if topic.RemoveSubscriber("user-3") {
		t.Fatalf("second removal should report absence")
	}
	//1.- The survivors keep their relative order after the removal.
	want := []string{"user-0", "user-1", "user-2", "user-4", "user-5", "user-6", "user-7", "user-8", "user-9"}
	if len(topic.Subscribers) != len(want) {
		t.Fatalf("unexpected subscriber count: %d", len(topic.Subscribers))
	}
	for i, name := range want {
		if topic.Subscribers[i] != name {
			t.Fatalf("subscriber %d = %q, want %q", i, topic.Subscribers[i], name)
		}
	}
}

func TestTopicsSweepRemovesOnlyIdleTopics(t *testing.T) {
	topics := NewTopics(0)
	idle, _ := topics.Create("idle")
	subscribed, _ := topics.Create("subscribed")
	active, _ := topics.Create("active")
	_ = idle
	if err := subscribed.AddSubscriber("alice"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	active.HasActive = true

	removed := topics.Sweep()
	if len(removed) != 1 || removed[0] != "idle" {
		t.Fatalf("unexpected sweep result: %v", removed)
	}
	infos := topics.List()
	if len(infos) != 2 || infos[0].Name != "subscribed" || infos[1].Name != "active" {
		t.Fatalf("unexpected survivors: %+v", infos)
	}
}
