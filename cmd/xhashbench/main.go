// The xhashbench command drives a concurrent fill/read/delete workload
// against an xhash.Index and reports throughput and final directory
// shape, optionally exposing Prometheus metrics while it runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aristanetworks/glog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/aristanetworks/xhash"
	"github.com/aristanetworks/xhash/key"
	"github.com/aristanetworks/xhash/monitor"
)

func main() {
	configFlag := flag.String("config", "", "YAML scenario file; defaults built in when omitted")
	flag.Parse()

	config := DefaultConfig()
	if *configFlag != "" {
		data, err := os.ReadFile(*configFlag)
		if err != nil {
			glog.Fatalf("xhashbench: reading config %q: %v", *configFlag, err)
		}
		config, err = parseConfig(data)
		if err != nil {
			glog.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	idx := xhash.New(xhash.Options{
		Registerer:       reg,
		MetricsNamespace: "xhashbench",
		InitialCapacity:  config.InitialCapacity,
	})

	if config.MetricsAddr != "" {
		mon := monitor.NewMonitorServer(config.MetricsAddr,
			monitor.WithGatherer(reg),
			monitor.WithDebugString(idx.DebugString))
		go mon.Run()
	}

	start := time.Now()
	if err := fill(idx, config); err != nil {
		glog.Fatalf("xhashbench: fill phase: %v", err)
	}
	fillElapsed := time.Since(start)

	deleted := 0
	if config.DeleteFraction > 0 {
		deleted = deleteFraction(idx, config)
	}

	start = time.Now()
	if err := read(idx, config, deleted); err != nil {
		glog.Fatalf("xhashbench: read phase: %v", err)
	}
	readElapsed := time.Since(start)

	stats := idx.Stats()
	fmt.Printf("keys=%d writers=%d readers=%d deleted=%d\n", config.Keys, config.Writers, config.Readers, deleted)
	fmt.Printf("fill:  %v (%.0f ops/s)\n", fillElapsed, float64(config.Keys)/fillElapsed.Seconds())
	fmt.Printf("read:  %v (%.0f ops/s)\n", readElapsed, float64(config.Keys)/readElapsed.Seconds())
	fmt.Printf("directory: global depth %d, segments %d\n", stats.GlobalDepth, stats.Segments)
}

func benchKey(i int) key.Key {
	return key.FromString(fmt.Sprintf("xhashbench-%d", i))
}

func fill(idx *xhash.Index, config *Config) error {
	var g errgroup.Group
	value := make([]byte, config.ValueSize)
	for w := 0; w < config.Writers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < config.Keys; i += config.Writers {
				if err := idx.Insert(benchKey(i), value); err != nil {
					return fmt.Errorf("insert %d: %w", i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// deleteFraction removes a pseudo-random DeleteFraction of the keys and
// returns how many were actually removed.
func deleteFraction(idx *xhash.Index, config *Config) int {
	rnd := rand.New(rand.NewSource(1))
	deleted := 0
	for i := 0; i < config.Keys; i++ {
		if rnd.Float64() >= config.DeleteFraction {
			continue
		}
		if err := idx.Delete(benchKey(i)); err == nil {
			deleted++
		}
	}
	return deleted
}

func read(idx *xhash.Index, config *Config, deletedHint int) error {
	var g errgroup.Group
	for r := 0; r < config.Readers; r++ {
		r := r
		g.Go(func() error {
			for i := r; i < config.Keys; i += config.Readers {
				if _, err := idx.Get(benchKey(i)); err != nil && err != xhash.ErrNotFound {
					return fmt.Errorf("get %d: %w", i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
