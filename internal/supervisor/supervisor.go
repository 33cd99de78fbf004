// Package supervisor starts and watches the workers of a wildcat server.
//
// The supervisor owns the listening socket and hands it to N workers
// through a Spawner. Workers share nothing else. A worker that exits while
// the supervisor is running is logged with its exit code and signal and is
// not restarted unless a RespawnPolicy says so.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"go.trai.ch/zerr"

	werrors "github.com/conneroisu/wildcat/internal/errors"
	"github.com/conneroisu/wildcat/internal/logging"
)

// ErrAllWorkersExited is returned by Run when every worker stopped before
// the supervisor was told to.
var ErrAllWorkersExited = zerr.New("all workers exited")

// State is the lifecycle of the supervisor.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// WorkerState is the lifecycle of one worker.
type WorkerState string

const (
	WorkerStarting  WorkerState = "starting"
	WorkerListening WorkerState = "listening"
	WorkerServing   WorkerState = "serving"
	WorkerExited    WorkerState = "exited"
)

// WorkerRecord is the supervisor's view of one worker.
type WorkerRecord struct {
	ID        int         `json:"id"`
	PID       int         `json:"pid"`
	State     WorkerState `json:"state"`
	ExitCode  int         `json:"exit_code"`
	Signal    string      `json:"signal,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	Restarts  int         `json:"restarts"`
}

// Exit describes how a worker ended.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Handle is a started worker.
type Handle interface {
	PID() int
	// Wait blocks until the worker has exited.
	Wait() Exit
}

// Spawner starts one worker on the shared listener. Workers must stop when
// ctx is cancelled.
type Spawner interface {
	Spawn(ctx context.Context, id, count int, ln net.Listener) (Handle, error)
}

// RespawnPolicy decides whether an unexpectedly exited worker is started
// again.
type RespawnPolicy func(record WorkerRecord) bool

// NeverRespawn leaves exited workers down.
func NeverRespawn(WorkerRecord) bool { return false }

// Options configure a Supervisor.
type Options struct {
	Count   int
	Spawner Spawner
	Respawn RespawnPolicy
	Logger  logging.Logger
}

// Supervisor runs Count workers until its context ends.
type Supervisor struct {
	count   int
	spawner Spawner
	respawn RespawnPolicy
	logger  logging.Logger

	mu      sync.RWMutex
	state   State
	records map[int]*WorkerRecord
}

// New creates a supervisor. Count below one means one worker.
func New(opts Options) (*Supervisor, error) {
	if opts.Spawner == nil {
		return nil, zerr.New("supervisor requires a spawner")
	}
	if opts.Count < 1 {
		opts.Count = 1
	}
	if opts.Respawn == nil {
		opts.Respawn = NeverRespawn
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Supervisor{
		count:   opts.Count,
		spawner: opts.Spawner,
		respawn: opts.Respawn,
		logger:  opts.Logger.WithComponent("supervisor"),
		state:   StateNotStarted,
		records: make(map[int]*WorkerRecord, opts.Count),
	}, nil
}

// State returns the supervisor state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Workers returns a snapshot of every worker record ordered by id.
func (s *Supervisor) Workers() []WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b WorkerRecord) int { return a.ID - b.ID })
	return out
}

// Run starts the workers on ln and blocks until ctx is cancelled and every
// worker has exited. It returns ErrAllWorkersExited if the workers all
// stop on their own first. A spawn failure stops the workers already
// started and is returned.
func (s *Supervisor) Run(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return zerr.With(zerr.New("supervisor already started"), "state", string(s.state))
	}
	s.state = StateRunning
	s.mu.Unlock()

	defer s.setState(StateStopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for id := 1; id <= s.count; id++ {
		handle, err := s.start(runCtx, id, ln)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watch(runCtx, id, ln, handle)
		}()
	}

	s.logger.Debug(ctx, "Workers started", "count", s.count, "addr", ln.Addr().String())

	allExited := make(chan struct{})
	go func() {
		wg.Wait()
		close(allExited)
	}()

	select {
	case <-allExited:
		if ctx.Err() == nil {
			return zerr.With(zerr.Wrap(ErrAllWorkersExited, "supervisor stopped"), "count", s.count)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Debug(ctx, "Stopping workers")
	<-allExited
	return nil
}

func (s *Supervisor) start(ctx context.Context, id int, ln net.Listener) (Handle, error) {
	s.mu.Lock()
	record, ok := s.records[id]
	if !ok {
		record = &WorkerRecord{ID: id}
		s.records[id] = record
	} else {
		record.Restarts++
	}
	record.State = WorkerStarting
	record.PID = 0
	record.ExitCode = 0
	record.Signal = ""
	record.StartedAt = time.Now()
	s.mu.Unlock()

	handle, err := s.spawner.Spawn(ctx, id, s.count, ln)
	if err != nil {
		s.update(id, func(r *WorkerRecord) { r.State = WorkerExited })
		return nil, zerr.With(zerr.Wrap(err, "failed to spawn worker"), "worker_id", id)
	}

	s.update(id, func(r *WorkerRecord) {
		r.PID = handle.PID()
		r.State = WorkerListening
	})
	s.logger.Debug(ctx, "Worker started", "worker_id", id, "pid", handle.PID())
	return handle, nil
}

// watch waits for a worker to exit and applies the respawn policy to
// unexpected exits.
func (s *Supervisor) watch(ctx context.Context, id int, ln net.Listener, handle Handle) {
	for {
		s.update(id, func(r *WorkerRecord) { r.State = WorkerServing })
		exit := handle.Wait()

		var record WorkerRecord
		s.update(id, func(r *WorkerRecord) {
			r.State = WorkerExited
			r.ExitCode = exit.Code
			r.Signal = exit.Signal
			record = *r
		})

		if ctx.Err() != nil {
			s.logger.Debug(ctx, "Worker stopped", "worker_id", id, "pid", record.PID, "code", exit.Code)
			return
		}

		exitErr := &werrors.WorkerExitError{
			ID:       id,
			PID:      record.PID,
			ExitCode: exit.Code,
			Signal:   exit.Signal,
			Cause:    exit.Err,
		}
		s.logger.Error(ctx, exitErr, "Worker exited unexpectedly",
			"worker_id", id, "pid", record.PID, "code", exit.Code, "signal", exit.Signal)

		if !s.respawn(record) {
			return
		}

		next, err := s.start(ctx, id, ln)
		if err != nil {
			s.logger.Error(ctx, err, "Worker respawn failed", "worker_id", id)
			return
		}
		handle = next
	}
}

func (s *Supervisor) update(id int, fn func(*WorkerRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		fn(r)
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// String formats a record for CLI output.
func (r WorkerRecord) String() string {
	signal := r.Signal
	if signal == "" {
		signal = "none"
	}
	return fmt.Sprintf("worker %d pid=%d state=%s code=%d signal=%s", r.ID, r.PID, r.State, r.ExitCode, signal)
}
