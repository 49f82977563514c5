// Package supervisor spawns worker processes and owns their lifecycle.
//
// A worker is started with one end of a socketpair as fd 3; the host keeps the
// other end and talks to the worker through a client.Client. Workers are not
// restarted when they die: their pending calls fail and the Manager removes
// them from the registry.
//
//	Spawn → socketpair → exec (fd 3 + COMIC_RPC_CHANNEL_FD) → [handshake] → Ready
//	Terminate → close channel → SIGTERM → grace period → SIGKILL
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"comic-rpc/client"
	"comic-rpc/compress"
	"comic-rpc/logging"
	"comic-rpc/message"
	"comic-rpc/portalloc"
	"comic-rpc/registry"
	"comic-rpc/transport"
)

var (
	// ErrExecutableNotFound is returned when the worker executable does not exist.
	ErrExecutableNotFound = errors.New("supervisor: executable not found")
	// ErrHandshakeFailed is returned when a worker did not confirm its server start.
	ErrHandshakeFailed = errors.New("supervisor: handshake failed")
	// ErrWorkerExited is wrapped into the error of calls pending when the process died.
	ErrWorkerExited = errors.New("supervisor: worker exited")
	// ErrTerminated is wrapped into the error of calls pending at Terminate.
	ErrTerminated = errors.New("supervisor: worker terminated")
)

// exitWait bounds how long a closed channel waits for the process exit status.
const exitWait = 2 * time.Second

// State is the lifecycle stage of a Worker.
type State int

const (
	StateStarting State = iota
	StateReady
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return "exited"
	}
}

// Worker is one supervised process.
type Worker struct {
	spec      Spec
	cmd       *exec.Cmd
	client    *client.Client
	logger    *zap.Logger
	port      int
	startedAt time.Time

	mu    sync.Mutex
	state State

	streams sync.WaitGroup // stdout/stderr forwarders; must finish before cmd.Wait
	done    chan struct{}
	exitErr error

	terminateOnce sync.Once
}

// Spawn starts the worker described by spec and waits until it is ready.
func Spawn(ctx context.Context, spec Spec) (*Worker, error) {
	if spec.Group == "" {
		spec.Group = spec.Name
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = DefaultGracePeriod
	}
	logger := logging.OrNop(spec.Logger).With(zap.String("worker", spec.Name))

	path, err := exec.LookPath(spec.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, spec.Executable, err)
	}

	comp, err := compress.Get(spec.Compress)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}

	pair, err := transport.NewPair()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), spec.Env...), pair.ChildEnv())
	cmd.ExtraFiles = []*os.File{pair.Child} // becomes fd 3 in the child

	w := &Worker{
		spec:   spec,
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = pair.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = pair.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Debug("spawning worker", zap.String("path", path), zap.Strings("args", spec.Args))
	if err := cmd.Start(); err != nil {
		_ = pair.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	w.startedAt = time.Now()
	// The child holds its own copy now.
	_ = pair.CloseChild()

	w.streams.Add(2)
	go w.forward(stdout, "stdout")
	go w.forward(stderr, "stderr")

	conn := transport.NewConn(pair.Parent,
		transport.WithCodec(spec.Codec),
		transport.WithCompressor(comp))
	conn.StartHeartbeat(spec.HeartbeatInterval)

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithCloseCause(w.closeCause),
	}
	if spec.CallTimeout > 0 {
		opts = append(opts, client.WithCallTimeout(spec.CallTimeout))
	}
	w.client = client.New(conn, opts...)

	go w.wait()

	if spec.Handshake != nil {
		if err := w.handshake(ctx); err != nil {
			_ = w.Terminate(context.Background())
			return nil, err
		}
	}

	w.mu.Lock()
	if w.state == StateStarting {
		w.state = StateReady
	}
	w.mu.Unlock()
	logger.Info("worker ready", zap.Int("pid", w.PID()), zap.Int("port", w.port))
	return w, nil
}

// handshake allocates a port, sends start-server and waits for the worker's
// server-start-response.
func (w *Worker) handshake(ctx context.Context) error {
	h := w.spec.Handshake
	alloc := portalloc.Allocator{Host: h.Host}
	port, err := alloc.FindAvailablePort(ctx, h.PortStart, h.PortEnd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	ctl, err := message.NewControl(message.TypeStartServer, message.StartServer{Port: port})
	if err != nil {
		return err
	}
	reply, err := w.client.Control(ctx, ctl, message.TypeServerStartResponse)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := message.StartResult(reply); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if message.AlreadyRunning(reply) {
		// The worker kept its earlier port, which it did not report.
		w.logger.Warn("worker server already running, port unknown", zap.Int("offered", port))
		return nil
	}
	w.port = port
	return nil
}

// forward re-logs the lines a worker writes to stdout or stderr.
func (w *Worker) forward(r io.Reader, stream string) {
	defer w.streams.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.logger.Info(scanner.Text(), zap.String("stream", stream))
	}
}

// wait reaps the process and fails whatever is still pending on its channel.
func (w *Worker) wait() {
	w.streams.Wait()
	err := w.cmd.Wait()

	w.mu.Lock()
	w.state = StateExited
	w.exitErr = err
	w.mu.Unlock()
	close(w.done)

	if err != nil {
		w.logger.Warn("worker exited", zap.Error(err))
	} else {
		w.logger.Info("worker exited")
	}
	w.client.CloseWithError(w.exitCause())
}

// closeCause explains a channel closed by the worker's side. The process exit
// usually follows immediately; wait for it briefly so pending calls report it.
func (w *Worker) closeCause(readErr error) error {
	select {
	case <-w.done:
		return w.exitCause()
	case <-time.After(exitWait):
		return readErr
	}
}

func (w *Worker) exitCause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrWorkerExited, w.exitErr)
	}
	return ErrWorkerExited
}

// Terminate stops the worker: pending calls fail, the channel is closed, then
// SIGTERM is sent and, after the grace period or when ctx is done, SIGKILL.
// It returns once the process has exited and is safe to call more than once.
func (w *Worker) Terminate(ctx context.Context) error {
	var err error
	w.terminateOnce.Do(func() {
		w.mu.Lock()
		if w.state != StateExited {
			w.state = StateStopping
		}
		w.mu.Unlock()

		w.client.CloseWithError(ErrTerminated)

		if serr := w.cmd.Process.Signal(syscall.SIGTERM); serr != nil && !errors.Is(serr, os.ErrProcessDone) {
			w.logger.Error("failed to send SIGTERM", zap.Error(serr))
		}

		grace := time.NewTimer(w.spec.GracePeriod)
		defer grace.Stop()

		select {
		case <-w.done:
			w.logger.Debug("worker exited after SIGTERM")
			return
		case <-grace.C:
			w.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		case <-ctx.Done():
			w.logger.Warn("terminate cancelled, sending SIGKILL")
		}
		if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			w.logger.Error("failed to send SIGKILL", zap.Error(kerr))
			err = kerr
		}
		<-w.done
	})
	if err == nil {
		<-w.done
	}
	return err
}

// Name returns the configured worker name.
func (w *Worker) Name() string { return w.spec.Name }

// Group returns the worker's balancing group.
func (w *Worker) Group() string { return w.spec.Group }

// Client returns the correlator of the worker's channel.
func (w *Worker) Client() *client.Client { return w.client }

// Port returns the port allocated during the handshake, or 0.
func (w *Worker) Port() int { return w.port }

// PID returns the process id.
func (w *Worker) PID() int { return w.cmd.Process.Pid }

// State returns the current lifecycle stage.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed when the process has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the process exit error once Done is closed.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// Instance describes the worker for the registry.
func (w *Worker) Instance() registry.Instance {
	return registry.Instance{
		Name:      w.spec.Name,
		Group:     w.spec.Group,
		PID:       w.PID(),
		Port:      w.port,
		Weight:    w.spec.Weight,
		StartedAt: w.startedAt,
	}
}
