// Copyright 2025 Phillip Lindsay
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sweeper runs periodic cleanup jobs on a cron schedule and on demand.
package sweeper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plindsay/loomguard/internal/log"
)

// Job is one named cleanup task. Run returns how many items it removed.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int64, error)
}

// Report is the outcome of one job run.
type Report struct {
	Name       string `json:"name"`
	Removed    int64  `json:"removed"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Sweeper schedules jobs.
type Sweeper struct {
	logger *log.Logger
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]Job
	// running serialises runs of the same job between the schedule and RunNow.
	running map[string]*sync.Mutex
}

// New creates a Sweeper. Jobs are added with Add and start firing after Start.
func New(logger *log.Logger) *Sweeper {
	return &Sweeper{
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.Recover(cronLogger{logger}))),
		jobs:    make(map[string]Job),
		running: make(map[string]*sync.Mutex),
	}
}

// Add registers a job. An empty schedule registers it for RunNow only.
func (s *Sweeper) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("sweeper job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("sweeper job %q already registered", job.Name)
	}
	if job.Schedule != "" {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(context.Background(), job) }); err != nil {
			return fmt.Errorf("invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	s.running[job.Name] = &sync.Mutex{}
	return nil
}

// Start begins firing scheduled jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for running jobs or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Jobs returns the registered job names in order.
func (s *Sweeper) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs the named jobs, or every job when names is empty, and reports
// each outcome. A failing job does not stop the others.
func (s *Sweeper) RunNow(ctx context.Context, names ...string) ([]Report, error) {
	if len(names) == 0 {
		names = s.Jobs()
	}

	jobs := make([]Job, 0, len(names))
	s.mu.Lock()
	for _, name := range names {
		job, ok := s.jobs[name]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("unknown sweeper job %q", name)
		}
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	reports := make([]Report, 0, len(jobs))
	for _, job := range jobs {
		reports = append(reports, s.run(ctx, job))
	}
	return reports, nil
}

func (s *Sweeper) run(ctx context.Context, job Job) Report {
	s.mu.Lock()
	lock := s.running[job.Name]
	s.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	op := s.logger.StartOperation(ctx, "sweep", "job", job.Name)
	start := time.Now()
	removed, err := job.Run(ctx)
	report := Report{Name: job.Name, Removed: removed, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		report.Error = err.Error()
		op.Fail(ctx, err)
		return report
	}
	op.Complete(ctx, "removed", removed)
	return report
}

// cronLogger routes scheduler messages, including recovered job panics,
// through the service logger.
type cronLogger struct {
	logger *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(context.Background(), "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.ErrorWithError(context.Background(), "cron: "+msg, err, keysAndValues...)
}
