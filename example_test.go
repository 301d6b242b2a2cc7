// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue_test

import (
	"context"
	"fmt"
	"time"

	"github.com/pgjobs/jobqueue"
)

func ExampleManager() {
	// Create a new manager. Use postgres.NewStore for a persistent store
	// that is shared between processes.
	m := jobqueue.New(
		jobqueue.SetStore(jobqueue.NewInMemoryStore()),
		jobqueue.SetLogger(nil),
	)
	ctx := context.Background()

	// Start the manager
	if err := m.Start(ctx); err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Create the queue "crawl" with up to 3 retries
	if err := m.CreateQueue(ctx, "crawl", &jobqueue.QueueOptions{RetryLimit: jobqueue.Int(3)}); err != nil {
		fmt.Println("CreateQueue failed")
		return
	}

	// Work on the queue "crawl"
	crawled := make(chan string, 1)
	_, err := m.Work(ctx, "crawl", nil, func(ctx context.Context, jobs []*jobqueue.Job) (interface{}, error) {
		for _, job := range jobs {
			var url string
			if err := job.Decode(&url); err != nil {
				return nil, err
			}
			crawled <- url
		}
		return nil, nil
	})
	if err != nil {
		fmt.Println("Work failed")
		return
	}

	// Add a new crawler job
	if _, err := m.Send(ctx, "crawl", "https://alt-f4.de", nil); err != nil {
		fmt.Println("Send failed")
		return
	}
	fmt.Println("Job added")

	// Wait for the crawler job to complete
	select {
	case url := <-crawled:
		fmt.Printf("Crawl %s\n", url)
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the manager
	if err := m.Close(); err != nil {
		fmt.Println("Close failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job added
	// Crawl https://alt-f4.de
	// Stopped
}

func ExampleManager_SendDebounced() {
	m := jobqueue.New(
		jobqueue.SetStore(jobqueue.NewInMemoryStore()),
		jobqueue.SetLogger(nil),
		jobqueue.SetSupervise(false),
	)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		fmt.Println("Start failed")
		return
	}
	defer m.Close()
	if err := m.CreateQueue(ctx, "reindex", nil); err != nil {
		fmt.Println("CreateQueue failed")
		return
	}

	// Within an hour, one job per key runs now and one more is deferred
	// to the next window. Everything else is dropped.
	var accepted int
	for i := 0; i < 5; i++ {
		id, err := m.SendDebounced(ctx, "reindex", nil, time.Hour, "customer-42", nil)
		if err != nil {
			fmt.Println("SendDebounced failed")
			return
		}
		if id != "" {
			accepted++
		}
	}
	fmt.Printf("%d jobs accepted\n", accepted)

	// Output:
	// 2 jobs accepted
}
