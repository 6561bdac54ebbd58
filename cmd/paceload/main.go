// paceload drives synthetic load through every performance component and
// dumps the aggregated stats as JSON. Useful for eyeballing eviction, rate
// limiting, and throttle behavior without a host application.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/pace"
	"github.com/neboloop/pace/internal/lifecycle"
	"github.com/neboloop/pace/internal/perf/batch"
	"github.com/neboloop/pace/internal/perf/cache"
	"github.com/neboloop/pace/internal/perf/lazy"
	"github.com/neboloop/pace/internal/perf/resource"
)

var (
	configPath string
	duration   time.Duration
	workers    int
	exportLog  bool
)

func main() {
	root := &cobra.Command{
		Use:   "paceload",
		Short: "Run synthetic load through the performance core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
	root.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to run")
	root.Flags().IntVarP(&workers, "workers", "w", 4, "concurrent load workers")
	root.Flags().BoolVar(&exportLog, "export-log", false, "dump the full event log instead of stats")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg pace.Config
	if configPath != "" {
		loaded, err := pace.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	core := pace.New(cfg)
	if err := core.Start(); err != nil {
		return err
	}
	defer core.Stop()

	registerComponents(core)
	core.Lazy.PreloadAll(ctx)

	proc := batch.New(core.Config.BatchConfig(), func(ctx context.Context, reqs []string) ([]int, error) {
		time.Sleep(5 * time.Millisecond)
		out := make([]int, len(reqs))
		for i, r := range reqs {
			out[i] = len(r)
		}
		return out, nil
	}, nil, core.Bus)
	defer proc.Stop()

	deadline := time.After(duration)
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go worker(ctx, core, proc, done)
	}

	// Toggle host signals while the workers run so the throttle controller
	// and event log see realistic transitions.
	go hostSignals(core, done)

	select {
	case <-ctx.Done():
	case <-deadline:
	}
	close(done)
	time.Sleep(200 * time.Millisecond)

	var out []byte
	var err error
	if exportLog {
		out, err = core.EventLog.ExportJSON()
	} else {
		out, err = json.MarshalIndent(core.GetStats(), "", "  ")
	}
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func registerComponents(core *pace.Core) {
	core.Lazy.Register("settings", func(ctx context.Context) (any, error) {
		time.Sleep(2 * time.Millisecond)
		return map[string]string{"theme": "dark"}, nil
	}, lazy.RegisterOptions{Preload: true})
	core.Lazy.Register("history", func(ctx context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return []string{}, nil
	}, lazy.RegisterOptions{Dependencies: []string{"settings"}})
}

func worker(ctx context.Context, core *pace.Core, proc *batch.Processor[string, int], done <-chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; ; i++ {
		select {
		case <-done:
			return
		default:
		}

		opID := core.Monitor.StartOperation("synthetic_request", nil)

		key := cache.ToolResultKey("load", fmt.Sprintf(`{"n":%d}`, rng.Intn(50)))
		if _, ok := core.Cache.Get(key); !ok {
			core.Cache.Set(key, rng.Intn(1000), cache.SetOptions{})
		}

		if alloc := core.Resources.Allocate(resource.TypeAPICallsMin, 1, "paceload", "worker", 0); alloc != nil {
			core.Resources.TryConsumeTokens(int64(rng.Intn(500)))
			core.Resources.TryConsumeAPICall()
			core.Resources.Release(alloc.ID)
		}

		if _, err := core.Lazy.Load(ctx, "history"); err != nil {
			core.Monitor.EndOperation(opID)
			continue
		}

		resultCh := proc.Add(fmt.Sprintf("req-%d", i), rng.Intn(3))
		select {
		case <-resultCh:
		case <-done:
			core.Monitor.EndOperation(opID)
			return
		}

		core.Monitor.RecordEvent("requests", 1)
		core.Monitor.EndOperation(opID)

		time.Sleep(core.Throttle.EffectiveInterval() / 10)
	}
}

func hostSignals(core *pace.Core, done <-chan struct{}) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	hidden := false
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			if hidden {
				core.Lifecycle.Emit(lifecycle.EventWindowShow, nil)
			} else {
				core.Lifecycle.Emit(lifecycle.EventWindowHide, nil)
			}
			hidden = !hidden
		}
	}
}
