package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/wildcat/internal/logging"
)

// fakeHandle exits when its channel is closed or its context ends.
type fakeHandle struct {
	pid  int
	exit chan Exit
	ctx  context.Context
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Wait() Exit {
	select {
	case e := <-h.exit:
		return e
	case <-h.ctx.Done():
		return Exit{}
	}
}

type fakeSpawner struct {
	mu      sync.Mutex
	handles map[int]*fakeHandle
	spawned []int
	failID  int
	nextPID int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{handles: make(map[int]*fakeHandle), nextPID: 1000}
}

func (f *fakeSpawner) Spawn(ctx context.Context, id, count int, ln net.Listener) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failID {
		return nil, errors.New("boom")
	}
	f.nextPID++
	h := &fakeHandle{pid: f.nextPID, exit: make(chan Exit, 1), ctx: ctx}
	f.handles[id] = h
	f.spawned = append(f.spawned, id)
	return h, nil
}

func (f *fakeSpawner) kill(id int, exit Exit) {
	f.mu.Lock()
	h := f.handles[id]
	f.mu.Unlock()
	h.exit <- exit
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

// syncBuffer is a log sink read while workers may still be writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func runAsync(s *Supervisor, ctx context.Context, ln net.Listener) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ln) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func TestSupervisorStartsWorkersInOrder(t *testing.T) {
	spawner := newFakeSpawner()
	s, err := New(Options{Count: 3, Spawner: spawner})
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(s, ctx, listen(t))

	require.Eventually(t, func() bool { return spawner.spawnCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	require.Eventually(t, func() bool {
		for _, r := range s.Workers() {
			if r.State != WorkerServing {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	records := s.Workers()
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i+1, r.ID)
		assert.NotZero(t, r.PID)
	}

	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateStopped, s.State())
	for _, r := range s.Workers() {
		assert.Equal(t, WorkerExited, r.State)
	}
}

func TestSupervisorUnexpectedExitIsNotRespawned(t *testing.T) {
	var logs syncBuffer
	spawner := newFakeSpawner()
	s, err := New(Options{
		Count:   2,
		Spawner: spawner,
		Logger:  logging.New(&logging.Config{Level: logging.LevelInfo, Output: &logs}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx, listen(t))
	require.Eventually(t, func() bool { return spawner.spawnCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	spawner.kill(2, Exit{Code: 137, Signal: "killed"})

	require.Eventually(t, func() bool {
		return s.Workers()[1].State == WorkerExited
	}, 2*time.Second, 5*time.Millisecond)

	record := s.Workers()[1]
	assert.Equal(t, 137, record.ExitCode)
	assert.Equal(t, "killed", record.Signal)
	assert.Equal(t, WorkerServing, s.Workers()[0].State)
	assert.Equal(t, 2, spawner.spawnCount())

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "Worker exited unexpectedly") && strings.Contains(out, "code: 137")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestSupervisorRespawnPolicy(t *testing.T) {
	spawner := newFakeSpawner()
	var asked atomic.Int32
	s, err := New(Options{
		Count:   1,
		Spawner: spawner,
		Respawn: func(r WorkerRecord) bool {
			asked.Add(1)
			return r.Restarts == 0
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx, listen(t))
	require.Eventually(t, func() bool { return spawner.spawnCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	spawner.kill(1, Exit{Code: 1})
	require.Eventually(t, func() bool { return spawner.spawnCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Workers()[0].State == WorkerServing }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Workers()[0].Restarts)

	// The policy declines the second restart, leaving no workers.
	spawner.kill(1, Exit{Code: 1})
	err = waitErr(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllWorkersExited))
	assert.Equal(t, int32(2), asked.Load())
}

func TestSupervisorSpawnFailure(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failID = 2
	s, err := New(Options{Count: 3, Spawner: spawner})
	require.NoError(t, err)

	err = s.Run(context.Background(), listen(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to spawn worker")
	assert.Equal(t, 1, spawner.spawnCount())
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorRunTwice(t *testing.T) {
	s, err := New(Options{Count: 1, Spawner: newFakeSpawner()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx, listen(t)))
	assert.Error(t, s.Run(context.Background(), listen(t)))
}

func TestNewRequiresSpawner(t *testing.T) {
	_, err := New(Options{Count: 2})
	assert.Error(t, err)
}

func TestNeverRespawn(t *testing.T) {
	assert.False(t, NeverRespawn(WorkerRecord{ID: 1, ExitCode: 1}))
}

func TestWorkerRecordString(t *testing.T) {
	r := WorkerRecord{ID: 2, PID: 42, State: WorkerExited, ExitCode: 1}
	assert.Equal(t, "worker 2 pid=42 state=exited code=1 signal=none", r.String())
}

// Every goroutine worker accepts on the same listener; the supervisor
// stopping closes it once.
func TestGoroutineSpawnerSharesListener(t *testing.T) {
	var served sync.Map
	spawner := &GoroutineSpawner{
		Serve: func(ctx context.Context, id, count int, ln net.Listener) error {
			srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				served.Store(id, true)
				fmt.Fprintf(w, "%d", id)
			})}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	s, err := New(Options{Count: 2, Spawner: spawner})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(s, ctx, ln)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && (string(body) == "1" || string(body) == "2")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))

	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err, "listener should be closed after shutdown")
}

func TestGoroutineSpawnerRecoversPanic(t *testing.T) {
	spawner := &GoroutineSpawner{
		Serve: func(ctx context.Context, id, count int, ln net.Listener) error {
			panic("bad worker")
		},
	}
	h, err := spawner.Spawn(context.Background(), 1, 1, listen(t))
	require.NoError(t, err)

	exit := h.Wait()
	assert.Equal(t, 2, exit.Code)
	require.Error(t, exit.Err)
	assert.Contains(t, exit.Err.Error(), "bad worker")
}

func TestSharedListenerIgnoresClose(t *testing.T) {
	ln := listen(t)
	require.NoError(t, sharedListener{ln}.Close())

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestExitOfSignal(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	exit := exitOf(cmd.ProcessState, err)
	assert.Equal(t, -1, exit.Code)
	assert.Equal(t, "terminated", exit.Signal)

	cmd = exec.Command("sh", "-c", "exit 3")
	err = cmd.Run()
	exit = exitOf(cmd.ProcessState, err)
	assert.Equal(t, 3, exit.Code)
	assert.Empty(t, exit.Signal)
}

func TestInheritedWorkerRequiresEnv(t *testing.T) {
	t.Setenv(EnvWorkerID, "")
	_, err := InheritedWorker()
	require.Error(t, err)
}
