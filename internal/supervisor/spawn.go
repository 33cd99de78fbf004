package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.trai.ch/zerr"
)

// Environment handed to worker processes.
const (
	EnvWorkerID    = "WILDCAT_WORKER_ID"
	EnvWorkerCount = "WILDCAT_WORKER_COUNT"
	EnvListenerFD  = "WILDCAT_LISTENER_FD"

	// listenerFD is the descriptor of the first ExtraFiles entry.
	listenerFD = 3
)

// ProcessSpawner starts each worker as a child process running the hidden
// worker subcommand of the current binary. The listener is inherited as a
// file descriptor so every worker accepts on the same socket.
type ProcessSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args default to []string{"worker"}.
	Args []string
	// Env is appended to the parent's environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout bounds the wait after SIGTERM before the child is killed.
	StopTimeout time.Duration
}

type fileListener interface {
	File() (*os.File, error)
}

// Spawn implements Spawner.
func (p *ProcessSpawner) Spawn(ctx context.Context, id, count int, ln net.Listener) (Handle, error) {
	fl, ok := ln.(fileListener)
	if !ok {
		return nil, zerr.With(zerr.New("listener cannot be shared with a child process"), "type", fmt.Sprintf("%T", ln))
	}
	file, err := fl.File()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to duplicate listener")
	}
	// The child holds its own copy after Start.
	defer file.Close()

	exe := p.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, zerr.Wrap(err, "failed to locate executable")
		}
	}
	args := p.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.ExtraFiles = []*os.File{file}
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		EnvWorkerID+"="+strconv.Itoa(id),
		EnvWorkerCount+"="+strconv.Itoa(count),
		EnvListenerFD+"="+strconv.Itoa(listenerFD),
	)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.StopTimeout
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to start worker process"), "executable", exe)
	}
	return &processHandle{cmd: cmd}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Wait() Exit {
	err := h.cmd.Wait()
	return exitOf(h.cmd.ProcessState, err)
}

func exitOf(state *os.ProcessState, err error) Exit {
	exit := Exit{Err: err}
	if state == nil {
		exit.Code = -1
		return exit
	}
	exit.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
	}
	return exit
}

// WorkerEnv is what a worker process learns from its parent.
type WorkerEnv struct {
	ID       int
	Count    int
	Listener net.Listener
}

// InheritedWorker reads the worker identity and rebuilds the shared
// listener from the inherited descriptor.
func InheritedWorker() (WorkerEnv, error) {
	id, err := envInt(EnvWorkerID)
	if err != nil {
		return WorkerEnv{}, err
	}
	count, err := envInt(EnvWorkerCount)
	if err != nil {
		return WorkerEnv{}, err
	}
	fd, err := envInt(EnvListenerFD)
	if err != nil {
		return WorkerEnv{}, err
	}

	file := os.NewFile(uintptr(fd), "wildcat-listener")
	if file == nil {
		return WorkerEnv{}, zerr.With(zerr.New("invalid listener descriptor"), "fd", fd)
	}
	defer file.Close()

	ln, err := net.FileListener(file)
	if err != nil {
		return WorkerEnv{}, zerr.Wrap(err, "failed to rebuild listener")
	}
	return WorkerEnv{ID: id, Count: count, Listener: ln}, nil
}

func envInt(key string) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, zerr.With(zerr.New("worker environment variable not set"), "key", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "invalid worker environment variable"), "key", key)
	}
	return n, nil
}

// ServeFunc runs one in-process worker until ctx ends.
type ServeFunc func(ctx context.Context, id, count int, ln net.Listener) error

// GoroutineSpawner runs workers as goroutines of the current process over
// one net.Listener. Workers cannot close the shared listener; it is closed
// once ctx ends.
type GoroutineSpawner struct {
	Serve ServeFunc

	closeOnce sync.Once
}

// Spawn implements Spawner.
func (g *GoroutineSpawner) Spawn(ctx context.Context, id, count int, ln net.Listener) (Handle, error) {
	if g.Serve == nil {
		return nil, zerr.New("goroutine spawner requires a serve function")
	}

	g.closeOnce.Do(func() {
		context.AfterFunc(ctx, func() { _ = ln.Close() })
	})

	h := &goroutineHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.exit = Exit{Code: 2, Err: fmt.Errorf("worker %d panicked: %v", id, r)}
			}
		}()

		err := g.Serve(ctx, id, count, sharedListener{ln})
		h.exit = Exit{Err: err}
		if err != nil {
			h.exit.Code = 1
		}
	}()
	return h, nil
}

type goroutineHandle struct {
	done chan struct{}
	exit Exit
}

func (h *goroutineHandle) PID() int {
	return os.Getpid()
}

func (h *goroutineHandle) Wait() Exit {
	<-h.done
	return h.exit
}

// sharedListener keeps one worker's shutdown from closing the socket the
// other workers accept on.
type sharedListener struct {
	net.Listener
}

func (sharedListener) Close() error { return nil }
