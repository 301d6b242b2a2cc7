// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// heartbeat starts one timer per job with a heartbeat interval. Each timer
// touches its job at half the interval until the returned function is
// called. Failures are reported but never stop the processor.
func (w *worker) heartbeat(ctx context.Context, jobs []*Job) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.HeartbeatSeconds <= 0 {
			continue
		}
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			w.heartbeatLoop(ctx, j)
		}(j)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *worker) heartbeatLoop(ctx context.Context, j *Job) {
	interval := j.Heartbeat() / 2
	if interval < time.Second/2 {
		interval = time.Second / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.m.st.Touch(ctx, w.name, []string{j.ID})
			if err == nil && n == 0 {
				err = fmt.Errorf("job %s is no longer active", j.ID)
			}
			if err != nil {
				w.setError(err)
				w.m.reportError(w.name, fmt.Errorf("jobqueue: heartbeat of job %s failed: %w", j.ID, err))
				continue
			}
			w.m.testJobTouched() // testing hook
		}
	}
}
