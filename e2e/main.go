// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/monitor"
	"github.com/pgjobs/jobqueue/postgres"
)

// config of the load generator. The manager and the store read their own
// settings from the environment as well.
type config struct {
	Queues      []string      `env:"E2E_QUEUES"       envDefault:"a,b,c" envSeparator:","`
	Policy      string        `env:"E2E_POLICY"       envDefault:"standard"`
	Concurrency int           `env:"E2E_CONCURRENCY"  envDefault:"2"`
	BatchSize   int           `env:"E2E_BATCH_SIZE"   envDefault:"1"`
	FillTime    time.Duration `env:"E2E_FILL_TIME"    envDefault:"500ms"`
	RunTime     time.Duration `env:"E2E_RUN_TIME"     envDefault:"2s"`
	LogInterval time.Duration `env:"E2E_LOG_INTERVAL" envDefault:"1s"`
	RetryLimit  int           `env:"E2E_RETRY_LIMIT"  envDefault:"2"`
	FailureRate float64       `env:"E2E_FAILURE_RATE" envDefault:"0.05"`
	Keys        int           `env:"E2E_KEYS"         envDefault:"0"`
	Throttle    time.Duration `env:"E2E_THROTTLE"`
	Cron        string        `env:"E2E_CRON"`
	MonitorAddr string        `env:"E2E_MONITOR_ADDR"`
	InMemory    bool          `env:"E2E_IN_MEMORY"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatal(err)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		log.Fatal("E2E_FAILURE_RATE must be in the interval [0.0,1.0]")
	}
	mcfg, err := jobqueue.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize the manager
	options := append(mcfg.Options(), jobqueue.SetLogger(log.Default()))
	if cfg.InMemory {
		options = append(options, jobqueue.SetStore(jobqueue.NewInMemoryStore()))
	} else {
		scfg, err := postgres.LoadConfig()
		if err != nil {
			log.Fatal(err)
		}
		store, err := postgres.NewStoreFromConfig(ctx, scfg, postgres.SetLogger(log.Default()))
		if err != nil {
			log.Fatal(err)
		}
		options = append(options, jobqueue.SetStore(store))
	}
	m := jobqueue.New(options...)
	if err := m.Start(ctx); err != nil {
		log.Fatal(err)
	}

	// Add queues and workers
	for _, name := range cfg.Queues {
		err := m.CreateQueue(ctx, name, &jobqueue.QueueOptions{
			Policy:     cfg.Policy,
			RetryLimit: jobqueue.Int(cfg.RetryLimit),
		})
		if err != nil {
			log.Fatal(err)
		}
		_, err = m.Work(ctx, name, &jobqueue.WorkOptions{
			BatchSize:        cfg.BatchSize,
			LocalConcurrency: cfg.Concurrency,
			PollingInterval:  time.Second,
		}, makeProcessor(cfg.FailureRate, cfg.RunTime))
		if err != nil {
			log.Fatal(err)
		}
		if cfg.Cron != "" {
			if err := m.Schedule(ctx, name, cfg.Cron, map[string]string{"source": "cron"}, nil); err != nil {
				log.Fatal(err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return enqueuer(gctx, m, cfg) })
	g.Go(func() error { return printStats(gctx, m, cfg.Queues, cfg.LogInterval) })
	g.Go(func() error { return printEvents(gctx, m) })
	if cfg.MonitorAddr != "" {
		g.Go(func() error {
			log.Printf("monitor listening on %s", cfg.MonitorAddr)
			return monitor.New(m).Serve(gctx, cfg.MonitorAddr)
		})
	}

	// Wait for e.g. Ctrl+C
	err = g.Wait()
	if ctx.Err() != nil {
		log.Print("shutting down")
	}
	if cerr := m.CloseWithTimeout(mcfg.ShutdownTimeout); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Print("exiting")
	os.Exit(0)
}

func enqueuer(ctx context.Context, m *jobqueue.Manager, cfg *config) error {
	var cnt int
	fillTimeNanos := cfg.FillTime.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos + 1))):
		}
		name := cfg.Queues[rand.Intn(len(cfg.Queues))]
		cnt++
		data := map[string]string{"correlationId": fmt.Sprintf("#%05d", cnt)}
		opts := &jobqueue.SendOptions{Priority: rand.Intn(3)}
		var key string
		if cfg.Keys > 0 {
			key = fmt.Sprintf("key-%d", rand.Intn(cfg.Keys))
			opts.SingletonKey = key
		}

		var err error
		if cfg.Throttle > 0 {
			_, err = m.SendThrottled(ctx, name, data, cfg.Throttle, key, opts)
		} else {
			_, err = m.Send(ctx, name, data, opts)
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
}

func printStats(ctx context.Context, m *jobqueue.Manager, queues []string, d time.Duration) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			var lines []string
			for _, name := range queues {
				ss, err := m.GetQueueStats(ctx, name)
				if err != nil {
					continue
				}
				lines = append(lines, fmt.Sprintf("%s: Queued=%6d Deferred=%6d Active=%6d Total=%6d",
					name,
					ss.QueuedCount,
					ss.DeferredCount,
					ss.ActiveCount,
					ss.TotalCount))
			}
			fmt.Println(strings.Join(lines, " | "))
		}
	}
}

func printEvents(ctx context.Context, m *jobqueue.Manager) error {
	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Kind {
			case jobqueue.EventError:
				log.Printf("error in %q: %v", e.Queue, e.Err)
			case jobqueue.EventWarning:
				log.Printf("warning in %q: %s", e.Queue, e.Message)
			}
		}
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) jobqueue.Processor {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, jobs []*jobqueue.Job) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos + 1))):
		}
		if rand.Float64() < failureRate {
			return nil, errors.New("processor failed")
		}
		return map[string]int{"processed": len(jobs)}, nil
	}
}
