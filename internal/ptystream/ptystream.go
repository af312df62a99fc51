// Package ptystream exposes a byte stream on a pseudo-terminal so serial
// tools can consume it. Writes go through a ring buffer drained by a
// background goroutine: producers never block on a slow or absent reader,
// the oldest data is dropped instead.
package ptystream

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/cgmlink/internal/groutine"
)

const (
	// flushInterval bounds how long buffered data waits before a drain pass.
	flushInterval = 20 * time.Millisecond

	// DefaultBufferSize is the default ring buffer capacity in bytes.
	DefaultBufferSize = 16 * 1024
)

// Stream is a write-only PTY endpoint. Write never blocks; Close releases
// the device.
type Stream struct {
	logger *logrus.Logger
	master *os.File
	tty    *os.File

	buf    *ringbuffer.RingBuffer
	mu     sync.Mutex // guards buf
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed       atomic.Bool
	droppedBytes atomic.Uint64
	writtenBytes atomic.Uint64
}

// New opens a PTY pair and starts the drain goroutine. The returned stream
// owns both ends; hand TTYName to the consuming process.
func New(bufferSize int, logger *logrus.Logger) (*Stream, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logrus.New()
	}

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open PTY pair: %w", err)
	}

	// Raw mode on the slave keeps the line discipline from rewriting the
	// payload bytes.
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("failed to set raw mode on %s: %w", tty.Name(), err)
	}

	// Non-blocking master: with no reader attached the kernel buffer fills
	// up, and a blocking write would stall the drain goroutine forever.
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("failed to set non-blocking mode: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		logger: logger,
		master: master,
		tty:    tty,
		buf:    ringbuffer.New(bufferSize),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	groutine.Go(ctx, "ptystream-drain", func(context.Context) { s.drainLoop() })

	logger.WithField("tty", tty.Name()).Info("PTY stream ready")
	return s, nil
}

// TTYName returns the slave device path (e.g. /dev/pts/3).
func (s *Stream) TTYName() string {
	return s.tty.Name()
}

// Write buffers data for the PTY. It never blocks: when the ring buffer is
// full the oldest bytes are discarded to make room. Returns len(data), nil
// unless the stream is closed.
func (s *Stream) Write(data []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream is closed")
	}
	if len(data) == 0 {
		return 0, nil
	}
	accepted := len(data)

	s.mu.Lock()
	if capacity := s.buf.Capacity(); len(data) > capacity {
		s.droppedBytes.Add(uint64(len(data) - capacity))
		data = data[len(data)-capacity:]
	}
	if free := s.buf.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		n, _ := s.buf.Read(discard)
		s.droppedBytes.Add(uint64(n))
	}
	n, err := s.buf.Write(data)
	s.mu.Unlock()
	if err != nil {
		return n, err
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return accepted, nil
}

// Dropped returns how many buffered bytes were discarded to make room.
func (s *Stream) Dropped() uint64 {
	return s.droppedBytes.Load()
}

// Written returns how many bytes reached the PTY.
func (s *Stream) Written() uint64 {
	return s.writtenBytes.Load()
}

func (s *Stream) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	chunk := make([]byte, 4096)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		case <-ticker.C:
		}
		s.drain(chunk)
	}
}

func (s *Stream) drain(chunk []byte) {
	for {
		s.mu.Lock()
		n, _ := s.buf.Read(chunk)
		s.mu.Unlock()
		if n == 0 {
			return
		}

		data := chunk[:n]
		for len(data) > 0 {
			w, err := s.master.Write(data)
			if w > 0 {
				s.writtenBytes.Add(uint64(w))
				data = data[w:]
				continue
			}
			if err != nil {
				// EAGAIN means the kernel buffer is full because nothing is
				// reading the tty; drop the rest of the chunk.
				if !isTemporary(err) {
					s.logger.WithError(err).Debug("PTY write failed, dropping chunk")
				}
				s.droppedBytes.Add(uint64(len(data)))
				return
			}
		}
	}
}

func isTemporary(err error) bool {
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// Close stops the drain goroutine and closes both PTY ends. Idempotent.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	var firstErr error
	if err := s.master.Close(); err != nil {
		firstErr = err
	}
	if err := s.tty.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
