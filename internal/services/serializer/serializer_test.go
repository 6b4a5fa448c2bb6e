package serializer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerializer_DistinctIdentitiesRunConcurrently(t *testing.T) {
	s := New()

	start := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(2)

	var inFlight int32

	var maxInFlight int32

	run := func(identity string) {
		defer wg.Done()

		<-start

		_ = s.WithLock(identity, func() error {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxInFlight) {
				atomic.StoreInt32(&maxInFlight, n)
			}

			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)

			return nil
		})
	}

	go run("alice")
	go run("bob")

	close(start)
	wg.Wait()

	assert.Equal(t, int32(2), maxInFlight, "distinct identities should overlap")
}

func TestSerializer_SameIdentitySerializes(t *testing.T) {
	s := New()

	var order []int

	var mu sync.Mutex

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_ = s.WithLock("alice", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				return nil
			})
		}(i)
	}

	wg.Wait()

	assert.Len(t, order, 5)
	assert.False(t, s.IsLocked("alice"), "lock should be released once every caller finishes")
	assert.Equal(t, 0, s.LockedCount())
}

func TestSerializer_PropagatesError(t *testing.T) {
	s := New()

	err := s.WithLock("alice", func() error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, s.IsLocked("alice"))
}

func TestSerializer_IsLockedWhileHeld(t *testing.T) {
	s := New()

	release := make(chan struct{})
	acquired := make(chan struct{})

	go func() {
		_ = s.WithLock("alice", func() error {
			close(acquired)
			<-release

			return nil
		})
	}()

	<-acquired
	assert.True(t, s.IsLocked("alice"))
	assert.Equal(t, 1, s.LockedCount())

	close(release)
}
