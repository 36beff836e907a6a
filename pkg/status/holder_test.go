package status

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_SetGet(t *testing.T) {
	h := &Holder{}
	assert.Equal(t, StatusPending, h.Get())

	h.Set(StatusRunning)
	assert.Equal(t, StatusRunning, h.Get())

	h.Set(StatusCompleted)
	assert.Equal(t, StatusCompleted, h.Get())
}

func TestHolder_TerminalSticks(t *testing.T) {
	h := &Holder{}
	h.Set(StatusFailed)
	h.Set(StatusRunning)
	h.Set(StatusCompleted)
	assert.Equal(t, StatusFailed, h.Get())
}

func TestHolder_OnChange_Fires(t *testing.T) {
	h := &Holder{}
	var captured []struct{ old, cur Status }
	h.OnChange(func(old, cur Status) {
		captured = append(captured, struct{ old, cur Status }{old, cur})
	})

	h.Set(StatusRunning)
	h.Set(StatusCompleted)

	require.Len(t, captured, 2)
	assert.Equal(t, StatusPending, captured[0].old)
	assert.Equal(t, StatusRunning, captured[0].cur)
	assert.Equal(t, StatusRunning, captured[1].old)
	assert.Equal(t, StatusCompleted, captured[1].cur)
}

func TestHolder_OnChange_NotFiredOnSameStatus(t *testing.T) {
	h := &Holder{}
	callCount := 0
	h.OnChange(func(_, _ Status) { callCount++ })

	h.Set(StatusRunning)
	h.Set(StatusRunning)
	h.Set(StatusPending) // backwards move is ignored
	assert.Equal(t, 1, callCount)
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	h := &Holder{}
	statuses := []Status{StatusPending, StatusRunning, StatusCompleted}

	var cbCount atomic.Int64
	h.OnChange(func(_, _ Status) {
		_ = h.Get()
		cbCount.Add(1)
	})

	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := range 200 {
				h.Set(statuses[(w+i)%len(statuses)])
				h.Get()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, StatusCompleted, h.Get())
	assert.LessOrEqual(t, cbCount.Load(), int64(2))
}
