// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"testing"
	"time"
)

func TestSendOptionsJobInsert(t *testing.T) {
	var opts *SendOptions
	j := opts.jobInsert("data")
	if want, have := "data", j.Data; want != have {
		t.Fatalf("want Data = %v, have %v", want, have)
	}

	opts = &SendOptions{
		Priority:          3,
		SingletonKey:      "k",
		SingletonSeconds:  60,
		SingletonNextSlot: true,
		RetryLimit:        Int(4),
		GroupID:           "g",
	}
	j = opts.jobInsert(nil)
	if want, have := 3, j.Priority; want != have {
		t.Fatalf("want Priority = %d, have %d", want, have)
	}
	if want, have := 4, *j.RetryLimit; want != have {
		t.Fatalf("want RetryLimit = %d, have %d", want, have)
	}
	if want, have := 60, j.SingletonSeconds; want != have {
		t.Fatalf("want SingletonSeconds = %d, have %d", want, have)
	}
	// The next slot is only requested after the current one rejected the job
	if j.SingletonNextSlot {
		t.Fatal("want SingletonNextSlot to be false")
	}
}

func TestWorkOptionsValidate(t *testing.T) {
	tests := []struct {
		Opts  WorkOptions
		Valid bool
	}{
		{WorkOptions{}, true},
		{WorkOptions{BatchSize: 10, LocalConcurrency: 4, PollingInterval: time.Second}, true},
		{WorkOptions{GroupConcurrency: &GroupConcurrency{Default: 2}}, true},
		{WorkOptions{BatchSize: -1}, false},
		{WorkOptions{PollingInterval: 100 * time.Millisecond}, false},
		{WorkOptions{LocalConcurrency: -2}, false},
		{WorkOptions{GroupConcurrency: &GroupConcurrency{}}, false},
		{WorkOptions{LocalGroupConcurrency: &GroupConcurrency{}}, false},
		{WorkOptions{
			GroupConcurrency:      &GroupConcurrency{Default: 1},
			LocalGroupConcurrency: &GroupConcurrency{Default: 1},
		}, false},
	}
	for i, tt := range tests {
		o := tt.Opts.withDefaults()
		err := o.validate()
		if tt.Valid && err != nil {
			t.Fatalf("#%d: want valid, have %v", i, err)
		}
		if !tt.Valid && !IsInvalidArgument(err) {
			t.Fatalf("#%d: want invalid argument, have %v", i, err)
		}
	}

	o := WorkOptions{}.withDefaults()
	if want, have := defaultBatchSize, o.BatchSize; want != have {
		t.Fatalf("want BatchSize = %d, have %d", want, have)
	}
	if want, have := defaultPollingInterval, o.PollingInterval; want != have {
		t.Fatalf("want PollingInterval = %v, have %v", want, have)
	}
}

func TestValidateJobInsert(t *testing.T) {
	fifo := &Queue{Name: "fifo", Policy: PolicySingletonStrictFIFO}
	tests := []struct {
		Queue *Queue
		Job   *JobInsert
		Valid bool
	}{
		{nil, &JobInsert{}, true},
		{nil, &JobInsert{ID: "0b9f4a3e-5c1d-4e8f-9a2b-7c6d5e4f3a2b"}, true},
		{nil, &JobInsert{SingletonSeconds: 10, SingletonNextSlot: true}, true},
		{fifo, &JobInsert{SingletonKey: "k"}, true},
		{nil, &JobInsert{ID: "x"}, false},
		{nil, &JobInsert{SingletonNextSlot: true}, false},
		{nil, &JobInsert{GroupTier: "vip"}, false},
		{nil, &JobInsert{ExpireInSeconds: Int(0)}, false},
		{nil, &JobInsert{DeletionSeconds: Int(-1)}, false},
		{nil, &JobInsert{RetryDelayMax: Int(-1)}, false},
		{fifo, &JobInsert{}, false},
	}
	for i, tt := range tests {
		err := validateJobInsert(tt.Queue, tt.Job)
		if tt.Valid && err != nil {
			t.Fatalf("#%d: want valid, have %v", i, err)
		}
		if !tt.Valid && !IsInvalidArgument(err) {
			t.Fatalf("#%d: want invalid argument, have %v", i, err)
		}
	}
}
