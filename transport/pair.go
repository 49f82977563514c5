package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChannelEnv names the environment variable through which a worker learns the
// file descriptor of its host channel.
const ChannelEnv = "COMIC_RPC_CHANNEL_FD"

// ChildFD is the descriptor number of the channel inside the child: the first
// entry of exec.Cmd.ExtraFiles always becomes fd 3.
const ChildFD = 3

// ErrNoChannel is returned when a process was started without a host channel.
var ErrNoChannel = errors.New("transport: process was not started with a host channel")

// Pair is a connected AF_UNIX stream socketpair. Parent stays in the host;
// Child is handed to exec.Cmd.ExtraFiles and closed in the host once the
// process has started.
type Pair struct {
	Parent net.Conn
	Child  *os.File
}

// NewPair creates a socketpair for a new worker.
func NewPair() (*Pair, error) {
	// Hold ForkLock so no concurrent fork inherits the fds before they are marked close-on-exec.
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "comic-rpc-parent")
	parent, err := net.FileConn(parentFile)
	// FileConn dups the descriptor; the original is no longer needed.
	_ = parentFile.Close()
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, fmt.Errorf("wrap parent end: %w", err)
	}

	return &Pair{
		Parent: parent,
		Child:  os.NewFile(uintptr(fds[1]), "comic-rpc-child"),
	}, nil
}

// NewLocalPair returns both ends of a socketpair as net.Conns, for a channel
// whose host and worker sides run in the same process. Unlike net.Pipe the
// kernel buffers writes, so one side may write before the other reads.
func NewLocalPair() (host, worker net.Conn, err error) {
	p, err := NewPair()
	if err != nil {
		return nil, nil, err
	}
	worker, err = net.FileConn(p.Child)
	_ = p.CloseChild()
	if err != nil {
		_ = p.Parent.Close()
		return nil, nil, fmt.Errorf("wrap child end: %w", err)
	}
	return p.Parent, worker, nil
}

// ChildEnv returns the environment entry that advertises the channel to the child.
func (p *Pair) ChildEnv() string {
	return ChannelEnv + "=" + strconv.Itoa(ChildFD)
}

// CloseChild releases the host's copy of the child end.
func (p *Pair) CloseChild() error {
	if p.Child == nil {
		return nil
	}
	err := p.Child.Close()
	p.Child = nil
	return err
}

// Close releases both ends.
func (p *Pair) Close() error {
	childErr := p.CloseChild()
	if err := p.Parent.Close(); err != nil {
		return err
	}
	return childErr
}

// FromEnv opens the host channel advertised in the environment. It fails with
// ErrNoChannel when the variable is absent or does not name a usable socket.
// The variable is cleared so processes spawned by the worker do not inherit it.
func FromEnv() (net.Conn, error) {
	value, ok := os.LookupEnv(ChannelEnv)
	if !ok || value == "" {
		return nil, ErrNoChannel
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%w: invalid descriptor %q", ErrNoChannel, value)
	}

	f := os.NewFile(uintptr(fd), "comic-rpc-host")
	if f == nil {
		return nil, fmt.Errorf("%w: invalid descriptor %d", ErrNoChannel, fd)
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoChannel, err)
	}
	_ = os.Unsetenv(ChannelEnv)
	return conn, nil
}
