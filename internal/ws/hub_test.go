package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
)

type chanSubscriber struct {
	msgs   chan []byte
	fail   bool
	mu     sync.Mutex
	closed bool
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{msgs: make(chan []byte, 16)}
}

func (s *chanSubscriber) Send(p []byte) error {
	if s.fail {
		return errors.New("gone")
	}
	s.msgs <- p
	return nil
}

func (s *chanSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *chanSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func receive(t *testing.T, s *chanSubscriber) StageMessage {
	t.Helper()
	select {
	case raw := <-s.msgs:
		var msg StageMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return StageMessage{}
	}
}

func TestHubRoutesStagesByRunAndWildcard(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	run := newChanSubscriber()
	all := newChanSubscriber()
	other := newChanSubscriber()
	hub.Register("run-1", run)
	hub.Register("", all)
	hub.Register("run-2", other)

	hub.OnStage("run-1", domain.StageRecord{Stage: domain.StageRemoteExec, Status: domain.StageStart, At: time.Unix(0, 0)})

	got := receive(t, run)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "remote_exec", got.Stage)
	assert.Equal(t, "start", got.Status)
	assert.Equal(t, "run-1", receive(t, all).RunID)
	assert.Empty(t, other.msgs)
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bad := newChanSubscriber()
	bad.fail = true
	hub.Register("run-1", bad)
	hub.Broadcast("run-1", []byte("x"))
	require.Eventually(t, bad.isClosed, time.Second, 5*time.Millisecond)

	// The failed peer is gone, so later frames go nowhere and do not block.
	for i := 0; i < 2*SendQueueSize; i++ {
		hub.Broadcast("run-1", []byte("y"))
	}
}

type stalledSubscriber struct {
	release chan struct{}
	mu      sync.Mutex
	sent    int
	closed  bool
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *stalledSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stalledSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestHubBroadcastDoesNotWaitForStalledSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	stalled := &stalledSubscriber{release: make(chan struct{})}
	healthy := newChanSubscriber()
	hub.Register("", stalled)
	hub.Register("", healthy)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4*SendQueueSize; i++ {
			hub.OnStage("run-1", domain.StageRecord{Stage: domain.StageRemoteExec, Status: domain.StageStart, At: time.Now()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a stalled subscriber")
	}
	assert.Equal(t, "run-1", receive(t, healthy).RunID)

	// Overflowing its queue evicts the stalled subscriber once it unblocks.
	close(stalled.release)
	require.Eventually(t, stalled.isClosed, time.Second, 5*time.Millisecond)
	stalled.mu.Lock()
	assert.LessOrEqual(t, stalled.sent, SendQueueSize+1)
	stalled.mu.Unlock()
}

func TestHubCloseDisconnectsClientsAndUnblocks(t *testing.T) {
	hub := NewHub()
	sub := newChanSubscriber()
	hub.Register("run-1", sub)
	hub.Close()
	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		hub.Broadcast("run-1", []byte("x"))
		hub.Unregister("run-1", sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked after close")
	}
}
