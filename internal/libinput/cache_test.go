package libinput

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleListing = `Device:           Power Button
Kernel:           /dev/input/event0
Group:            1
Capabilities:     keyboard

Device:           Test Keyboard
Kernel:           /dev/input/event3
Group:            2
Capabilities:     keyboard`

func testCache(runner Runner, ttl time.Duration) *Cache {
	return &Cache{logger: zap.NewNop(), runner: runner, ttl: ttl}
}

// TestDeviceBlock_MiddleBlock verifies extraction of a block by device path
func TestDeviceBlock_MiddleBlock(t *testing.T) {
	cache := testCache(func(ctx context.Context) (string, error) {
		return sampleListing, nil
	}, time.Minute)

	block, ok := cache.DeviceBlock(context.Background(), "/dev/input/event0")
	require.True(t, ok)
	assert.Contains(t, block, "Power Button")
	assert.NotContains(t, block, "Test Keyboard")
}

// TestDeviceBlock_LastBlockWithoutTrailingBlankLine covers the edge case
// where the queried path matches only the final block and no blank line
// follows it.
func TestDeviceBlock_LastBlockWithoutTrailingBlankLine(t *testing.T) {
	cache := testCache(func(ctx context.Context) (string, error) {
		return sampleListing, nil // no trailing newline or blank line
	}, time.Minute)

	block, ok := cache.DeviceBlock(context.Background(), "/dev/input/event3")
	require.True(t, ok)
	assert.Contains(t, block, "Test Keyboard")
	assert.Contains(t, block, "Kernel:           /dev/input/event3")
	assert.NotContains(t, block, "Power Button")
}

// TestDeviceBlock_NoMatch verifies absence for unknown devices
func TestDeviceBlock_NoMatch(t *testing.T) {
	cache := testCache(func(ctx context.Context) (string, error) {
		return sampleListing, nil
	}, time.Minute)

	_, ok := cache.DeviceBlock(context.Background(), "/dev/input/event99")
	assert.False(t, ok)
}

// TestDeviceBlock_FetchFailure verifies a failing tool degrades to absence
func TestDeviceBlock_FetchFailure(t *testing.T) {
	cache := testCache(func(ctx context.Context) (string, error) {
		return "", errors.New("exit status 1")
	}, time.Minute)

	_, ok := cache.DeviceBlock(context.Background(), "/dev/input/event0")
	assert.False(t, ok)
}

// TestFullListing_SingleFlight verifies K concurrent callers within one
// TTL window trigger exactly one external invocation and share its result.
func TestFullListing_SingleFlight(t *testing.T) {
	var invocations atomic.Int32
	release := make(chan struct{})
	cache := testCache(func(ctx context.Context) (string, error) {
		invocations.Add(1)
		<-release
		return sampleListing, nil
	}, time.Minute)

	const callers = 16
	results := make([]string, callers)
	oks := make([]bool, callers)

	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], oks[i] = cache.fullListing(context.Background())
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let every caller reach the shared fetch
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), invocations.Load())
	for i := 0; i < callers; i++ {
		require.True(t, oks[i], "caller %d", i)
		assert.Equal(t, sampleListing, results[i], "caller %d", i)
	}
}

// TestFullListing_TTL verifies cached listings are reused within the TTL
// and refetched after it expires.
func TestFullListing_TTL(t *testing.T) {
	var invocations atomic.Int32
	cache := testCache(func(ctx context.Context) (string, error) {
		return fmt.Sprintf("listing %d", invocations.Add(1)), nil
	}, 50*time.Millisecond)

	first, ok := cache.fullListing(context.Background())
	require.True(t, ok)
	second, ok := cache.fullListing(context.Background())
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), invocations.Load())

	time.Sleep(60 * time.Millisecond)

	third, ok := cache.fullListing(context.Background())
	require.True(t, ok)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int32(2), invocations.Load())
}

// TestFullListing_Cancellation verifies a cancelled caller gets absence
// promptly instead of an error.
func TestFullListing_Cancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	cache := testCache(func(ctx context.Context) (string, error) {
		<-block
		return "", errors.New("never reached in time")
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := cache.fullListing(ctx)
	assert.False(t, ok)
}

// TestExtractBlock_EmptyListing verifies no block matches empty input
func TestExtractBlock_EmptyListing(t *testing.T) {
	_, ok := extractBlock("", "/dev/input/event0")
	assert.False(t, ok)
}
