package applog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRateLimitWidensDivisibleCounts(t *testing.T) {
	rl := NewRateLimit(1, 22, nil)
	require.Equal(t, 11, rl.UnitSecs)
	require.Equal(t, 22*11, rl.MaxCount)
}

func TestNewRateLimitLeavesPrimeCountsUnchanged(t *testing.T) {
	rl := NewRateLimit(1, 23, nil)
	require.Equal(t, 1, rl.UnitSecs)
	require.Equal(t, 23, rl.MaxCount)
}

func TestRateLimitAddEnforcesLimit(t *testing.T) {
	rl := &RateLimit{UnitSecs: 3600, MaxCount: 2, counter: make(map[string]int)}
	require.True(t, rl.Add("alice", false))
	require.True(t, rl.Add("alice", false))
	require.False(t, rl.Add("alice", false))
}

func TestRateLimitTracksActorsSeparately(t *testing.T) {
	rl := &RateLimit{UnitSecs: 3600, MaxCount: 1, counter: make(map[string]int)}
	require.True(t, rl.Add("alice", false))
	require.True(t, rl.Add("bob", false))
	require.False(t, rl.Add("alice", false))
}

func TestRateLimitConcurrentAdds(t *testing.T) {
	rl := &RateLimit{UnitSecs: 3600, MaxCount: 50, counter: make(map[string]int)}
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Add("shared", false) {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, successes)
}
