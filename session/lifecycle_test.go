package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubWiper struct {
	calls int32
	err   error
}

func (w *stubWiper) Clear() error {
	atomic.AddInt32(&w.calls, 1)
	return w.err
}

func TestTerminateRunsSequenceOnce(t *testing.T) {
	wiper := &stubWiper{}
	var order []string
	l := NewLifecycle(wiper,
		func(msg string) { order = append(order, "notice:"+msg) },
		func() { order = append(order, "logout") },
	)

	l.Terminate()
	l.Terminate()
	l.Terminate()

	assert.EqualValues(t, 1, atomic.LoadInt32(&wiper.calls), "keys cleared exactly once")
	assert.Equal(t, []string{"notice:" + SessionTerminatedNotice, "logout"}, order,
		"notice must precede logout, each exactly once")
	assert.True(t, l.Terminated())
}

func TestTerminateConcurrentEventsCollapse(t *testing.T) {
	wiper := &stubWiper{}
	var logouts int32
	l := NewLifecycle(wiper, nil, func() { atomic.AddInt32(&logouts, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Terminate()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&wiper.calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&logouts))
}

func TestTerminateContinuesPastWipeFailure(t *testing.T) {
	wiper := &stubWiper{err: errors.New("disk gone")}
	var loggedOut bool
	l := NewLifecycle(wiper, nil, func() { loggedOut = true })

	l.Terminate()

	assert.True(t, loggedOut, "logout must complete even if the wipe fails")
	assert.True(t, l.Terminated())
}

func TestTerminateWithNilCallbacks(t *testing.T) {
	l := NewLifecycle(nil, nil, nil)
	l.Terminate()
	assert.True(t, l.Terminated())
}
