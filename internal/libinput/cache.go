// Package libinput fetches side-channel device metadata from the
// external `libinput list-devices` tool, behind a short TTL cache with
// single-flight de-duplication.
package libinput

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// listingTTL is how long a fetched listing stays fresh. Device topology
// rarely changes faster than this, and every recorder consults the cache
// around the same time during a hotplug burst.
const listingTTL = 10 * time.Second

// commandTimeout bounds one external invocation.
const commandTimeout = 5 * time.Second

// Runner produces the full listing text. Swapped out in tests.
type Runner func(ctx context.Context) (string, error)

func runListDevices(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "libinput", "list-devices").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Cache is a process-wide TTL cache around the listing command. At most
// one fetch is in flight at a time; concurrent callers share its result.
type Cache struct {
	logger *zap.Logger
	runner Runner
	ttl    time.Duration

	group singleflight.Group

	mu        sync.Mutex
	listing   string
	fetchedAt time.Time
	fetched   bool

	// The tool being absent is logged once per process lifetime, not
	// once per device.
	missingToolOnce sync.Once
}

// NewCache creates a cache invoking the real libinput tool.
func NewCache(logger *zap.Logger) *Cache {
	return &Cache{logger: logger, runner: runListDevices, ttl: listingTTL}
}

// DeviceBlock returns the blank-line-delimited block of listing output
// whose lines mention devicePath, or false when no metadata is available
// (tool missing or failing, no matching block, or cancellation).
func (c *Cache) DeviceBlock(ctx context.Context, devicePath string) (string, bool) {
	listing, ok := c.fullListing(ctx)
	if !ok {
		return "", false
	}
	return extractBlock(listing, devicePath)
}

// fullListing returns the cached listing if fresher than the TTL,
// otherwise fetches it, sharing any in-flight fetch with concurrent
// callers. Cancellation while waiting reports absence.
func (c *Cache) fullListing(ctx context.Context) (string, bool) {
	c.mu.Lock()
	if c.fetched && time.Since(c.fetchedAt) < c.ttl {
		listing := c.listing
		c.mu.Unlock()
		return listing, true
	}
	c.mu.Unlock()

	ch := c.group.DoChan("list-devices", func() (any, error) {
		out, err := c.runner(ctx)
		if err != nil {
			c.logFetchFailure(err)
			return nil, err
		}
		c.mu.Lock()
		c.listing = out
		c.fetchedAt = time.Now()
		c.fetched = true
		c.mu.Unlock()
		return out, nil
	})

	select {
	case <-ctx.Done():
		return "", false
	case res := <-ch:
		if res.Err != nil {
			return "", false
		}
		return res.Val.(string), true
	}
}

func (c *Cache) logFetchFailure(err error) {
	if errors.Is(err, exec.ErrNotFound) {
		c.missingToolOnce.Do(func() {
			c.logger.Warn("libinput is not installed; segment metadata will omit device blocks")
		})
		return
	}
	c.logger.Debug("libinput list-devices failed", zap.Error(err))
}

// extractBlock finds the blank-line-delimited block whose lines contain
// devicePath as a substring. The final block may be terminated by end of
// input rather than a blank line and must still match.
func extractBlock(listing, devicePath string) (string, bool) {
	var block []string
	match := func() (string, bool) {
		for _, line := range block {
			if strings.Contains(line, devicePath) {
				return strings.Join(block, "\n"), true
			}
		}
		return "", false
	}

	for _, line := range strings.Split(listing, "\n") {
		if strings.TrimSpace(line) == "" {
			if text, ok := match(); ok {
				return text, true
			}
			block = block[:0]
			continue
		}
		block = append(block, strings.TrimRight(line, "\r"))
	}
	return match()
}
