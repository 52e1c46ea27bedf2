// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command devqsim runs a demo workload on a simulated device and reports
// scheduler statistics. With -debug-addr it also serves the device state
// as JSON under /debug.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"time"

	"code.hybscloud.com/devq"
	"github.com/fatih/color"
	"github.com/tebeka/atexit"
)

var (
	debugAddr = flag.String("debug-addr", "", "serve /debug endpoints on this address")
	hold      = flag.Bool("hold", false, "keep serving /debug after the workload until interrupted")
	elements  = flag.Int("n", 256, "uint32 elements per round")
	rounds    = flag.Int("rounds", 4, "workload rounds")
	queueSize = flag.Int("queue-size", 256, "execution queue size in packets")
	workers   = flag.Int("issue-workers", 1, "goroutines issuing one block")
	trace     = flag.Bool("trace", false, "trace dispatches and print zone timings")
	timeout   = flag.Duration("timeout", 10*time.Second, "per-round timeout")
	verbose   = flag.Bool("v", false, "log at debug level")
)

var (
	green = color.New(color.FgGreen, color.Bold).SprintFunc()
	red   = color.New(color.FgRed, color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	flags := devq.ExecutionFlags(0)
	if *trace {
		flags = devq.ExecutionTraceDispatch
	}
	dev := devq.New().
		QueueSize(*queueSize).
		IssueWorkers(*workers).
		Logger(logger).
		HostHandler(newHostHandler).
		BuildDevice()
	atexit.Register(func() { report(dev) })

	if *debugAddr != "" {
		srv := &http.Server{Addr: *debugAddr, Handler: newRouter(dev), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server", "error", err)
			}
		}()
		atexit.Register(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
		fmt.Println(cyan("debug endpoint"), "http://"+*debugAddr+"/debug/device")
	}

	w, err := newWorkload(dev, logger, *elements, flags)
	if err != nil {
		fmt.Println(red("setup failed:"), err)
		atexit.Exit(1)
	}
	for r := range *rounds {
		start := time.Now()
		if err := w.round(*timeout); err != nil {
			fmt.Printf("%s round %d: %v\n", red("FAIL"), r, err)
			atexit.Exit(1)
		}
		fmt.Printf("%s round %d %s\n", green("PASS"), r, faint(time.Since(start).Round(time.Microsecond)))
	}

	if *debugAddr != "" && *hold {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		fmt.Println(cyan("holding"), "press Ctrl-C to exit")
		<-ctx.Done()
		stop()
	}
	atexit.Exit(0)
}

// newHostHandler services host calls with the device's own allocator and
// prints each trace zone once both of its markers have been stamped.
func newHostHandler(d *devq.Device) devq.HostHandler {
	h := devq.NewDefaultHostHandler(d)
	var (
		open   []uint64
		labels = make(map[uint64]string)
		ends   = make(map[uint64]uint64)
		starts = make(map[uint64]uint64)
	)
	h.OnTrace = func(_ uint64, ev devq.TraceEvent) {
		switch ev.Kind {
		case devq.TraceZoneBegin:
			open = append(open, ev.QueryID)
			labels[ev.QueryID] = ev.Label
		case devq.TraceZoneEnd:
			if n := len(open); n > 0 {
				ends[ev.QueryID] = open[n-1]
				open = open[:n-1]
			}
		}
	}
	h.OnQuery = func(sched uint64, q devq.QueryResult) {
		if _, isBegin := labels[q.ID]; isBegin {
			starts[q.ID] = q.Start
			return
		}
		begin, isEnd := ends[q.ID]
		if !isEnd {
			return
		}
		fmt.Printf("  %s sched=%d zone=%q ticks=%d\n", cyan("trace"), sched, labels[begin], q.End-starts[begin])
		delete(ends, q.ID)
		delete(labels, begin)
		delete(starts, begin)
	}
	return h
}

// report prints the final device counters.
func report(dev *devq.Device) {
	snap := dev.Snapshot()
	state := green("healthy")
	if snap.Lost {
		state = red("lost: " + snap.Error)
	}
	fmt.Printf("device %s memory=%dB signals=%d\n", state, snap.MemoryUsed, snap.Signals)
	for _, call := range slices.Sorted(maps.Keys(snap.HostCalls)) {
		if n := snap.HostCalls[call]; n > 0 {
			fmt.Printf("  %s %s=%d\n", faint("host"), call, n)
		}
	}
	for _, s := range snap.Schedulers {
		fmt.Printf("  %s %s ticks=%d accepted=%d issued=%d retired=%d stalls=%d dropped=%d\n",
			cyan("scheduler"), s.ID, s.Ticks, s.Accepted, s.Issued, s.Retired, s.Stalls, s.DroppedTicks)
	}
}
