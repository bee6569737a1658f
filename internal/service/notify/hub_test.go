package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubDeliversInOrder(t *testing.T) {
	h := New[int](8)
	var mu sync.Mutex
	var got []int
	h.Subscribe("collect", func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.Emit(i))
	}
	h.Close()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New[int](1)
	release := make(chan struct{})
	h.Subscribe("slow", func(int) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Emit(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a slow subscriber")
	}
	assert.Greater(t, h.Dropped(), int64(0))
	close(release)
	h.Close()
}

func TestUnsubscribe(t *testing.T) {
	h := New[string](0)
	unsub := h.Subscribe("a", func(string) {})
	assert.Equal(t, 1, h.Len())
	unsub()
	unsub()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.Emit("x"))
	h.Close()
	h.Subscribe("late", func(string) { t.Errorf("closed hub delivered") })
	h.Emit("y")
}
