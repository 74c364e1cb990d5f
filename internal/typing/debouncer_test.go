package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emission struct {
	conv     string
	isTyping bool
}

type sink struct {
	mu  sync.Mutex
	got []emission
}

func (s *sink) emit(conv string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, emission{conv, isTyping})
}

func (s *sink) all() []emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emission(nil), s.got...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestDebouncer_ThrottlesContinuousTyping(t *testing.T) {
	s := &sink{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := New(time.Second, time.Hour, s.emit)
	d.now = clock.now
	defer d.Stop()

	// 10 秒内每 100ms 一次按键
	for i := 0; i < 100; i++ {
		d.Set("c1", true)
		clock.advance(100 * time.Millisecond)
	}

	got := s.all()
	assert.Len(t, got, 10, "one emission per second")
	for _, e := range got {
		assert.Equal(t, emission{"c1", true}, e)
	}
}

func TestDebouncer_PerConversation(t *testing.T) {
	s := &sink{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d := New(time.Second, time.Hour, s.emit)
	d.now = clock.now
	defer d.Stop()

	d.Set("c1", true)
	d.Set("c2", true)
	d.Set("c1", true)

	assert.Equal(t, []emission{{"c1", true}, {"c2", true}}, s.all())
	assert.True(t, d.Active("c1"))
	assert.True(t, d.Active("c2"))
}

func TestDebouncer_AutoClearAfterQuiet(t *testing.T) {
	s := &sink{}
	d := New(time.Second, 40*time.Millisecond, s.emit)
	defer d.Stop()

	d.Set("c1", true)
	require.Eventually(t, func() bool { return len(s.all()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []emission{{"c1", true}, {"c1", false}}, s.all())
	assert.False(t, d.Active("c1"))

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, s.all(), 2, "false emitted exactly once")
}

func TestDebouncer_KeystrokesPostponeQuiet(t *testing.T) {
	s := &sink{}
	d := New(time.Hour, 60*time.Millisecond, s.emit)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Set("c1", true)
		time.Sleep(20 * time.Millisecond)
	}
	// 一直在输入，不应自动结束
	assert.Equal(t, []emission{{"c1", true}}, s.all())

	require.Eventually(t, func() bool { return len(s.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, emission{"c1", false}, s.all()[1])
}

func TestDebouncer_ExplicitStop(t *testing.T) {
	s := &sink{}
	d := New(time.Second, 30*time.Millisecond, s.emit)
	defer d.Stop()

	d.Set("c1", true)
	d.Set("c1", false)
	d.Set("c1", false)
	assert.Equal(t, []emission{{"c1", true}, {"c1", false}}, s.all())

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, s.all(), 2, "quiet timer cancelled by explicit stop")

	// 停止后重新输入立即发出
	d.Set("c1", true)
	assert.Equal(t, emission{"c1", true}, s.all()[2])
}

func TestDebouncer_StopWithoutTyping(t *testing.T) {
	s := &sink{}
	d := New(time.Second, time.Second, s.emit)

	d.Set("c1", false)
	assert.Empty(t, s.all())
}

func TestDebouncer_StopCancelsTimers(t *testing.T) {
	s := &sink{}
	d := New(time.Second, 20*time.Millisecond, s.emit)

	d.Set("c1", true)
	d.Stop()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []emission{{"c1", true}}, s.all())
}

func TestDebouncer_SlowEmitDoesNotBlockOtherConversations(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 4)
	d := New(time.Second, time.Hour, func(conv string, isTyping bool) {
		entered <- conv
		if conv == "slow" {
			<-release
		}
	})
	defer d.Stop()

	go d.Set("slow", true)
	require.Equal(t, "slow", <-entered)

	done := make(chan struct{})
	go func() {
		d.Set("c2", true)
		assert.True(t, d.Active("c2"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked behind a slow emit")
	}
	close(release)
}
