package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pchar/internal/pchar"
	"github.com/srg/pchar/internal/workqueue"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a producer/consumer pair over every device",
	Long: `Opens a session on every device and streams a known pattern through it:
a producer writes it in small chunks while a consumer reads it back. Once
half the pattern is written the device capacity is doubled from the event
queue, so blocked readers and writers see a resize mid-stream.

Prints one JSON summary per device, in device order.

Example:
  pchar demo --devices 4 --capacity 16 --bytes 65536 --chunk 5`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var (
	demoBytes int
	demoChunk int
	demoGrow  bool
)

func init() {
	demoCmd.Flags().IntVar(&demoBytes, "bytes", 4096, "Bytes streamed through each device")
	demoCmd.Flags().IntVar(&demoChunk, "chunk", 7, "Producer write size in bytes")
	demoCmd.Flags().BoolVar(&demoGrow, "grow", true, "Double each device's capacity halfway through")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if demoBytes < 1 || demoChunk < 1 {
		return fmt.Errorf("%w: --bytes and --chunk must be >= 1", pchar.ErrInvalidArgument)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.WithError(err).Warn("teardown reported errors")
		}
	}()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices := a.registry.Devices()
	results := make([]*orderedmap.OrderedMap[string, any], len(devices))
	errs := make([]error, len(devices))

	var wg sync.WaitGroup
	for i, inst := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = streamDevice(ctx, a, inst)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode demo summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	for _, r := range results {
		if match, _ := r.Value("match").(bool); !match {
			return fmt.Errorf("%w on %v", ErrMismatch, r.Value("device"))
		}
	}
	return nil
}

// streamDevice pushes the pattern through inst and summarises the run.
func streamDevice(ctx context.Context, a *app, inst *pchar.Instance) (*orderedmap.OrderedMap[string, any], error) {
	s, err := a.registry.Open(ctx, inst.Index(), "demo")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	start := time.Now()
	capacityBefore := inst.Queue().Cap()
	payload := make([]byte, demoBytes)
	for i := range payload {
		payload[i] = 'a' + byte(i%26)
	}

	grow := workqueue.NewWork(inst.Name()+"-grow", func(context.Context) {
		if err := inst.Control().Resize(capacityBefore * 2); err != nil {
			a.logger.WithError(err).WithField("device", inst.Name()).Warn("demo resize failed")
		}
	})

	produced := make(chan error, 1)
	go func() {
		scheduled := false
		for off := 0; off < len(payload); off += demoChunk {
			end := min(off+demoChunk, len(payload))
			if _, err := s.WriteAll(ctx, payload[off:end]); err != nil {
				produced <- err
				return
			}
			if demoGrow && !scheduled && end >= len(payload)/2 {
				scheduled = a.events.Schedule(grow)
			}
		}
		produced <- nil
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 64)
	for len(got) < len(payload) {
		n, err := s.Read(ctx, buf)
		if err != nil {
			return nil, fmt.Errorf("%s: consumer: %w", inst.Name(), err)
		}
		got = append(got, buf[:n]...)
	}
	if err := <-produced; err != nil {
		return nil, fmt.Errorf("%s: producer: %w", inst.Name(), err)
	}
	if err := a.events.Flush(ctx); err != nil {
		return nil, err
	}

	info := inst.Control().QueryInfo()
	stats := inst.Queue().Stats()
	a.logger.WithFields(logrus.Fields{"device": inst.Name(), "bytes": len(got)}).Info("demo stream finished")

	summary := orderedmap.New[string, any]()
	summary.Set("device", inst.Name())
	summary.Set("bytes", len(payload))
	summary.Set("chunk", demoChunk)
	summary.Set("capacity_before", capacityBefore)
	summary.Set("capacity_after", info.Capacity)
	summary.Set("length", info.Length)
	summary.Set("resizes", stats.Resizes)
	summary.Set("match", bytes.Equal(got, payload))
	summary.Set("elapsed", time.Since(start).String())
	return summary, nil
}
