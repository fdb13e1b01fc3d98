package limiter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func waiting(l *Limiter, id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[id]; ok {
		return s.waiting
	}
	return 0
}

func TestAdmitRelease(t *testing.T) {
	l := New(Config{PerCredential: 2, Global: 10})
	ctx := context.Background()

	p1, err := l.Admit(ctx, "a")
	require.NoError(t, err)
	p2, err := l.Admit(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight("a"))
	assert.Equal(t, 2, l.TotalInFlight())

	p1.Release()
	p1.Release()
	assert.Equal(t, 1, l.InFlight("a"))

	p2.Release()
	assert.Equal(t, 0, l.InFlight("a"))
	assert.Equal(t, 0, l.TotalInFlight())

	var nilPermit *Permit
	assert.NotPanics(t, nilPermit.Release)
}

func TestAdmitBlocksAtCeiling(t *testing.T) {
	l := New(Config{PerCredential: 1, Global: 10})
	held, err := l.Admit(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Admit(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.InFlight("a"))
	assert.Equal(t, 0, waiting(l, "a"))

	other, err := l.Admit(context.Background(), "b")
	require.NoError(t, err)
	other.Release()

	held.Release()
	again, err := l.Admit(context.Background(), "a")
	require.NoError(t, err)
	again.Release()
}

func TestOverrides(t *testing.T) {
	l := New(Config{PerCredential: 1, Global: 10, Overrides: map[string]int{"big": 3}})
	assert.Equal(t, 3, l.Ceiling("big"))
	assert.Equal(t, 1, l.Ceiling("small"))

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p, err := l.Admit(context.Background(), "big")
		require.NoError(t, err)
		permits = append(permits, p)
	}
	assert.Equal(t, 3, l.InFlight("big"))

	// In use: the new ceiling waits for the credential to become idle.
	l.SetCeiling("big", 1)
	assert.Equal(t, 3, l.Ceiling("big"))

	for _, p := range permits {
		p.Release()
	}
	l.SetCeiling("big", 1)
	assert.Equal(t, 1, l.Ceiling("big"))
}

func TestFIFOPerCredential(t *testing.T) {
	l := New(Config{PerCredential: 1, Global: 10})
	held, err := l.Admit(context.Background(), "a")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := l.Admit(context.Background(), "a")
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release()
		}(i)
		// Each caller is queued before the next one arrives.
		waitFor(t, func() bool { return waiting(l, "a") == i+1 })
		time.Sleep(5 * time.Millisecond)
	}

	held.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBusyCredentialDoesNotStarveOthers(t *testing.T) {
	l := New(Config{PerCredential: 2, Global: 2})
	ctx := context.Background()

	a1, err := l.Admit(ctx, "a")
	require.NoError(t, err)
	a2, err := l.Admit(ctx, "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := l.Admit(ctx, "a")
			if err == nil {
				time.Sleep(time.Millisecond)
				p.Release()
			}
		}()
	}
	waitFor(t, func() bool { return waiting(l, "a") == 5 })

	admitted := make(chan *Permit)
	go func() {
		p, err := l.Admit(ctx, "b")
		if err == nil {
			admitted <- p
		}
	}()
	waitFor(t, func() bool { return waiting(l, "b") == 1 })
	time.Sleep(10 * time.Millisecond)

	a1.Release()
	select {
	case p := <-admitted:
		assert.Equal(t, "b", p.CredentialID())
		p.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("credential b starved by credential a")
	}

	a2.Release()
	wg.Wait()
	assert.Equal(t, 0, l.TotalInFlight())
}

func TestReleaseOnPanic(t *testing.T) {
	l := New(Config{PerCredential: 1, Global: 1})

	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("recovered: %v", r)
			}
		}()
		p, err := l.Admit(context.Background(), "a")
		if err != nil {
			return err
		}
		defer p.Release()
		panic("stage failed")
	}

	for i := 0; i < 3; i++ {
		require.Error(t, run())
		assert.Equal(t, 0, l.InFlight("a"))
		assert.Equal(t, 0, l.TotalInFlight())
	}
}

func TestCancelWhileQueuedOnGlobal(t *testing.T) {
	l := New(Config{PerCredential: 1, Global: 1})
	held, err := l.Admit(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := l.Admit(ctx, "b")
		done <- err
	}()
	waitFor(t, func() bool { return waiting(l, "b") == 1 })
	cancel()

	err = <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, l.InFlight("b"))

	held.Release()
	// b's credential slot was returned when its global wait was abandoned.
	p, err := l.Admit(context.Background(), "b")
	require.NoError(t, err)
	p.Release()
}

func TestCeilingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("in-flight per credential never exceeds its ceiling", prop.ForAll(
		func(ceiling int, global int, jobs int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			l := New(Config{PerCredential: ceiling, Global: global})
			credentials := []string{"a", "b", "c"}

			var mu sync.Mutex
			current := map[string]int{}
			peak := map[string]int{}
			var wg sync.WaitGroup

			for i := 0; i < jobs; i++ {
				id := credentials[rng.Intn(len(credentials))]
				arrival := time.Duration(rng.Intn(500)) * time.Microsecond
				hold := time.Duration(rng.Intn(800)) * time.Microsecond

				wg.Add(1)
				go func() {
					defer wg.Done()
					time.Sleep(arrival)
					p, err := l.Admit(context.Background(), id)
					if err != nil {
						return
					}
					defer p.Release()

					mu.Lock()
					current[id]++
					if current[id] > peak[id] {
						peak[id] = current[id]
					}
					mu.Unlock()

					time.Sleep(hold)

					mu.Lock()
					current[id]--
					mu.Unlock()
				}()
			}
			wg.Wait()

			for _, id := range credentials {
				if peak[id] > ceiling || l.InFlight(id) != 0 {
					return false
				}
			}
			return l.TotalInFlight() == 0
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 6),
		gen.IntRange(1, 40),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
