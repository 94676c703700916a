// Package coordinator serialises password changes per user and runs the
// change flow: re-wrap, persist, re-authenticate, invalidate, reissue.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

type ProcessStatus string

const (
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusFailed    ProcessStatus = "failed"
)

// Password change steps reported through Process.Step
const (
	StepVerify     = "verify_current_password"
	StepPersist    = "persist_rewrapped_dek"
	StepReauth     = "reauthenticate"
	StepInvalidate = "invalidate_sessions"
	StepReissue    = "issue_session"
	StepDone       = "done"
)

type Process struct {
	ID        string
	UserID    string
	Status    ProcessStatus
	Step      string
	StartTime time.Time
	Error     error
	Cancel    context.CancelFunc
	ctx       context.Context
}

// Context is cancelled when the process is stopped or the registry shuts down
func (p *Process) Context() context.Context {
	return p.ctx
}

// Registry tracks running processes in this instance and refuses a second
// process under the same ID.
type Registry struct {
	mu              sync.RWMutex
	activeProcesses map[string]*Process
	shutdownCh      chan struct{}
	wg              sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		activeProcesses: make(map[string]*Process),
		shutdownCh:      make(chan struct{}),
	}
}

func processID(userID string) string {
	return "pwchange:" + userID
}

// Start registers a process for userID. A running process for the same user
// yields types.ErrPasswordChangeInProgress.
func (r *Registry) Start(ctx context.Context, userID string) (*Process, error) {
	if r.IsShuttingDown() {
		return nil, fmt.Errorf("%w: shutting down", types.ErrUpstreamUnavailable)
	}

	id := processID(userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activeProcesses[id]; exists {
		return nil, fmt.Errorf("%w: user %s", types.ErrPasswordChangeInProgress, userID)
	}

	processCtx, cancel := context.WithCancel(ctx)

	process := &Process{
		ID:        id,
		UserID:    userID,
		Status:    StatusRunning,
		StartTime: time.Now(),
		Cancel:    cancel,
		ctx:       processCtx,
	}

	r.activeProcesses[id] = process
	r.wg.Add(1)

	// Mark the process failed if its context ends while still running
	go func() {
		<-processCtx.Done()
		r.mu.Lock()
		if p, exists := r.activeProcesses[id]; exists && p.Status == StatusRunning {
			p.Status = StatusFailed
			p.Error = processCtx.Err()
		}
		r.mu.Unlock()
	}()

	return process, nil
}

// Stop cancels and forgets the process
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if process, exists := r.activeProcesses[id]; exists {
		process.Cancel()
		delete(r.activeProcesses, id)
		r.wg.Done()
	}
}

func (r *Registry) Update(id string, status ProcessStatus, step string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if process, exists := r.activeProcesses[id]; exists {
		process.Status = status
		process.Step = step
		process.Error = err
	}
}

// Status returns a copy of the process for userID, or nil
func (r *Registry) Status(userID string) *Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if process, exists := r.activeProcesses[processID(userID)]; exists {
		return snapshot(process)
	}
	return nil
}

func (r *Registry) List() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()

	processes := make([]*Process, 0, len(r.activeProcesses))
	for _, process := range r.activeProcesses {
		processes = append(processes, snapshot(process))
	}
	return processes
}

func snapshot(p *Process) *Process {
	return &Process{
		ID:        p.ID,
		UserID:    p.UserID,
		Status:    p.Status,
		Step:      p.Step,
		StartTime: p.StartTime,
		Error:     p.Error,
	}
}

// Shutdown cancels running processes and waits for them to be stopped
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	select {
	case <-r.shutdownCh:
	default:
		close(r.shutdownCh)
	}
	for _, process := range r.activeProcesses {
		process.Cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) IsShuttingDown() bool {
	select {
	case <-r.shutdownCh:
		return true
	default:
		return false
	}
}
