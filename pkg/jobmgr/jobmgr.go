// Package jobmgr supervises named background jobs that live as long as the
// process: start, stop, list, and wait for all of them on shutdown.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(ctx, func(msg string) {
//	    logger.Info().Msg(msg)
//	})
//
//	_ = jm.Start("node", func(ctx context.Context) error {
//	    return client.Run(ctx)
//	})
//
//	// on shutdown
//	jm.StopAll()
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotRunning     = errors.New("job is not running")
)

// Job is a running unit of work.
type Job struct {
	Name   string
	Cancel context.CancelFunc
	done   chan struct{}
}

// StatusReporter receives lifecycle events for jobs, e.g.
//
//	running:node
//	error:node:connection refused
//	done:node
type StatusReporter func(string)

// Manager starts and tracks jobs. It is safe for concurrent use.
type Manager struct {
	ctx      context.Context
	mu       sync.Mutex
	jobs     map[string]*Job
	wg       sync.WaitGroup
	Reporter StatusReporter
}

// NewManager creates a Manager whose jobs are cancelled with parent. The
// reporter may be nil.
func NewManager(parent context.Context, reporter StatusReporter) *Manager {
	return &Manager{
		ctx:      parent,
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// Start runs runner in its own goroutine. A job is removed once its runner
// returns.
func (m *Manager) Start(name string, runner func(ctx context.Context) error) error {
	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	job := &Job{Name: name, Cancel: cancel, done: make(chan struct{})}
	m.jobs[name] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(job.done)
		defer cancel()

		m.report("running:" + name)
		err := runner(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			m.report("error:" + name + ":" + err.Error())
		default:
			m.report("done:" + name)
		}

		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()
	return nil
}

// Go is Start for runners that cannot fail.
func (m *Manager) Go(name string, runner func(ctx context.Context)) error {
	return m.Start(name, func(ctx context.Context) error {
		runner(ctx)
		return nil
	})
}

// Stop cancels a job and waits for it to return.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	job, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	job.Cancel()
	<-job.done
	return nil
}

// StopAll cancels every job and waits for all of them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for name, job := range m.jobs {
		job.Cancel()
		delete(m.jobs, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// List returns the active job names, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs.
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
