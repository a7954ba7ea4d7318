package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	s.messages = append(s.messages, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubBroadcastsPerApplet(t *testing.T) {
	hub := NewHub(4)
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("app-a", a)
	hub.Register("app-b", b)

	hub.Broadcast("app-a", []byte(`{"type":"module_added"}`))
	waitFor(t, func() bool { return a.received() == 1 })
	if b.received() != 0 {
		t.Fatalf("subscriber of another applet received %d messages", b.received())
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	bad := &recordingSubscriber{fail: true}
	hub.Register("app", bad)
	if hub.Subscribers("app") != 1 {
		t.Fatalf("expected one subscriber")
	}
	hub.Broadcast("app", []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers("app") == 0 })
	if !bad.isClosed() {
		t.Fatal("expected failing subscriber to be closed")
	}
}

func TestHubUnregisterAndClose(t *testing.T) {
	hub := NewHub(0)
	s := &recordingSubscriber{}
	hub.Register("app", s)
	hub.Unregister("app", s)
	if hub.Subscribers("app") != 0 {
		t.Fatal("expected no subscribers after unregister")
	}

	other := &recordingSubscriber{}
	hub.Register("app", other)
	hub.Close()
	waitFor(t, other.isClosed)
	hub.Broadcast("app", []byte("ignored"))
}
