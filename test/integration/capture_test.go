//go:build integration

package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/lostmsu/evdev-rec/internal/catalog"
	"github.com/lostmsu/evdev-rec/internal/clocksync"
	"github.com/lostmsu/evdev-rec/internal/config"
	"github.com/lostmsu/evdev-rec/internal/domain"
	"github.com/lostmsu/evdev-rec/internal/evdev"
	"github.com/lostmsu/evdev-rec/internal/recorder"
	"github.com/lostmsu/evdev-rec/internal/registry"
)

// scriptedSource replays batches with optional pauses, then reports end
// of stream.
type scriptedSource struct {
	batches [][]byte
	delays  []time.Duration
	next    int
}

func (s *scriptedSource) ReadSome(ctx context.Context, buf []byte) int {
	if s.next >= len(s.batches) {
		return 0
	}
	if s.next < len(s.delays) && s.delays[s.next] > 0 {
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(s.delays[s.next]):
		}
	}
	batch := s.batches[s.next]
	s.next++
	copy(buf, batch)
	return len(batch)
}

func (s *scriptedSource) Close() error { return nil }

type absentMetadata struct{}

func (absentMetadata) DeviceBlock(ctx context.Context, devicePath string) (string, bool) {
	return "", false
}

func encodeEvents(events ...evdev.Event) []byte {
	var b []byte
	for _, e := range events {
		b = evdev.AppendEvent(b, e)
	}
	return b
}

func decompressFile(path string) []byte {
	file, err := os.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer file.Close()
	reader, err := zstd.NewReader(file)
	Expect(err).NotTo(HaveOccurred())
	defer reader.Close()
	data, err := io.ReadAll(reader)
	Expect(err).NotTo(HaveOccurred())
	return data
}

var _ = Describe("Capture session", func() {
	var (
		deviceDir string
		outputDir string
		settings  config.Settings
	)

	BeforeEach(func() {
		deviceDir = GinkgoT().TempDir()
		outputDir = GinkgoT().TempDir()
		settings = config.Default()
		settings.OutputDir = outputDir
		settings.DeviceDir = deviceDir
	})

	Describe("a device node appearing at runtime", func() {
		It("captures its events into a segment pair and the session logs", func() {
			batch := encodeEvents(
				evdev.Event{Sec: 100, Usec: 1, Type: 1, Code: 30, Value: 1},
				evdev.Event{Sec: 100, Usec: 2, Type: 0, Code: 0, Value: 0},
			)

			cat, err := catalog.Open(filepath.Join(outputDir, settings.SessionStamp+"-catalog.db"))
			Expect(err).NotTo(HaveOccurred())
			defer cat.Close()

			tracker, err := clocksync.NewTracker(outputDir, settings.SessionStamp, clocksync.Config{}, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())

			start := func(ctx context.Context, path string) (registry.Recorder, error) {
				src := &scriptedSource{
					batches: [][]byte{batch},
					delays:  []time.Duration{50 * time.Millisecond},
				}
				rec, err := recorder.New(settings, path, src,
					domain.DeviceIdentity{Name: "Test Keyboard"},
					recorder.Deps{
						Metadata: absentMetadata{},
						Sink:     cat,
						Listeners: []recorder.Listener{func(_ string, events []evdev.Event) {
							last := events[len(events)-1]
							tracker.Observe(last.Timestamp(), time.Now())
						}},
					}, zap.NewNop())
				if err != nil {
					return nil, err
				}
				rec.Start(ctx)
				return rec, nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			reg := registry.New(registry.Config{DeviceDir: deviceDir, RescanInterval: 100 * time.Millisecond}, start, zap.NewNop())

			registryDone := make(chan struct{})
			go func() {
				defer close(registryDone)
				_ = reg.Run(ctx)
			}()
			trackerDone := make(chan struct{})
			go func() {
				defer close(trackerDone)
				tracker.Run(ctx)
			}()

			// Hotplug: the node appears after the session started.
			time.Sleep(150 * time.Millisecond)
			Expect(os.WriteFile(filepath.Join(deviceDir, "event3"), nil, 0o644)).To(Succeed())

			dataGlob := filepath.Join(outputDir, "*-input3.zst")
			Eventually(func() int {
				matches, _ := filepath.Glob(dataGlob)
				return len(matches)
			}, 5*time.Second, 20*time.Millisecond).Should(Equal(1))

			cancel()
			Eventually(registryDone, 5*time.Second).Should(BeClosed())
			Eventually(trackerDone, 5*time.Second).Should(BeClosed())

			By("decompressing the data file to exactly the captured records")
			matches, err := filepath.Glob(dataGlob)
			Expect(err).NotTo(HaveOccurred())
			Expect(decompressFile(matches[0])).To(Equal(batch))

			By("reporting unavailable side-channel metadata in the sidecar")
			sidecars, err := filepath.Glob(filepath.Join(outputDir, "*-input3.meta.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(sidecars).To(HaveLen(1))
			sidecar, err := os.ReadFile(sidecars[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(string(sidecar)).To(ContainSubstring(`"available": false`))
			Expect(string(sidecar)).To(ContainSubstring("Test Keyboard"))

			By("cataloguing the finalized segment")
			segments, err := cat.Segments()
			Expect(err).NotTo(HaveOccurred())
			Expect(segments).To(HaveLen(1))
			Expect(segments[0].Events).To(Equal(int64(2)))

			By("correlating the last event timestamp in the sync log")
			syncRaw, err := os.ReadFile(tracker.Path())
			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimRight(string(syncRaw), "\n"), "\n")
			Expect(lines[0]).To(Equal("event_ts_microsec\tunix_time_microsec"))
			Expect(lines).To(HaveLen(2))
			Expect(lines[1]).To(HavePrefix("100000002\t"))
		})
	})

	Describe("forced segment rotation", func() {
		It("produces two non-overlapping segment pairs with increasing stamps", func() {
			settings.SegmentDuration = time.Second
			first := encodeEvents(evdev.Event{Sec: 1, Type: 1})
			second := encodeEvents(evdev.Event{Sec: 2, Type: 1})
			src := &scriptedSource{
				batches: [][]byte{first, second},
				delays:  []time.Duration{0, 1100 * time.Millisecond},
			}

			rec, err := recorder.New(settings, "/dev/input/event7", src,
				domain.DeviceIdentity{}, recorder.Deps{}, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			rec.Start(context.Background())
			Eventually(rec.Done(), 10*time.Second).Should(BeClosed())

			dataFiles, err := filepath.Glob(filepath.Join(outputDir, "*-input7.zst"))
			Expect(err).NotTo(HaveOccurred())
			Expect(dataFiles).To(HaveLen(2))
			sidecars, err := filepath.Glob(filepath.Join(outputDir, "*-input7.meta.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(sidecars).To(HaveLen(2))

			// Glob returns sorted names; the stamps embed start order.
			Expect(dataFiles[0] < dataFiles[1]).To(BeTrue())
			Expect(decompressFile(dataFiles[0])).To(Equal(first))
			Expect(decompressFile(dataFiles[1])).To(Equal(second))
		})
	})
})
