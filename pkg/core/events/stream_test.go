package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(s *Stream, t Type, n int) {
	for i := 0; i < n; i++ {
		s.Publish(Event{Type: t, SessionID: "s1", Timestamp: time.Now()})
	}
}

func TestSubscribe_ReceivesLiveEventsInOrder(t *testing.T) {
	s := NewStream()
	ch, history := s.Subscribe()
	assert.Empty(t, history)

	s.Publish(Event{Type: TypePhaseStart, SessionID: "s1"})
	s.Publish(Event{Type: TypeAgentCompleted, SessionID: "s1"})

	assert.Equal(t, TypePhaseStart, (<-ch).Type)
	assert.Equal(t, TypeAgentCompleted, (<-ch).Type)
}

func TestSubscribe_LateSubscriberGetsHistory(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Type: TypePhaseStart, SessionID: "s1"})
	s.Publish(Event{Type: TypeSynthesisReady, SessionID: "s1"})

	_, history := s.Subscribe()
	require.Len(t, history, 2)
	assert.Equal(t, TypePhaseStart, history[0].Type)
	assert.Equal(t, TypeSynthesisReady, history[1].Type)
}

// Metric events are the sacrificial volume under back-pressure: once a
// subscriber's buffer is full, further metric events are dropped for it
// while the history still records everything.
func TestPublish_DropsMetricEventsWhenBufferFull(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()

	publishN(s, TypeMetric, subscriberBufferSize+25)

	assert.Len(t, ch, subscriberBufferSize)
	s.mu.RLock()
	historyLen := len(s.history)
	s.mu.RUnlock()
	assert.Equal(t, subscriberBufferSize+25, historyLen)
}

// A lifecycle event published into a full buffer displaces the oldest
// buffered event instead of being dropped, so the terminal event arrives
// behind a backlog of metric events.
func TestPublish_LifecycleEventDisplacesOldestWhenFull(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()

	publishN(s, TypeMetric, subscriberBufferSize)
	s.Publish(Event{Type: TypeSessionCompleted, SessionID: "s1"})

	assert.Len(t, ch, subscriberBufferSize)
	sawCompleted := false
	for len(ch) > 0 {
		if (<-ch).Type == TypeSessionCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted, "the terminal lifecycle event must survive a full buffer")
}

func TestUnsubscribe_ClosesChannelOnce(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe()

	s.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	// second unsubscribe of the same channel is a no-op, not a double close
	s.Unsubscribe(ch)
}

func TestCloseAll_ClosesEverySubscriber(t *testing.T) {
	s := NewStream()
	ch1, _ := s.Subscribe()
	ch2, _ := s.Subscribe()

	s.CloseAll()

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)
}
