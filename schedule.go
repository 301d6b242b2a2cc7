// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"encoding/json"
	"time"
)

// Schedule creates jobs in a queue according to a cron expression.
type Schedule struct {
	Name      string          `json:"name"`
	Key       string          `json:"key"`
	Cron      string          `json:"cron"`
	Timezone  string          `json:"timezone"`
	Data      json.RawMessage `json:"data,omitempty"`
	Options   *SendOptions    `json:"options,omitempty"`
	CreatedOn time.Time       `json:"createdOn"`
	UpdatedOn time.Time       `json:"updatedOn"`
}

// ScheduleOptions configure Schedule.
type ScheduleOptions struct {
	// Key distinguishes multiple schedules of the same queue.
	Key string
	// Timezone of the cron expression, e.g. "Europe/Berlin". Defaults
	// to UTC.
	Timezone string
	// Send configures the jobs created by the schedule.
	Send *SendOptions
}
