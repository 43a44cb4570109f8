// Package devfs gives registered devices a filesystem-visible entry point:
// one unix domain socket node per device, world-accessible, served with a
// small line-oriented protocol. Opening a connection opens a session on the
// device; closing the connection releases it.
//
// Protocol, one request per line:
//
//	READ <n>              -> "OK <m>\n" followed by m raw bytes
//	WRITE <n>\n<n bytes>  -> "OK <m>\n"
//	PREAD <n> <off>       -> "OK <m>\n" followed by m raw bytes
//	PWRITE <n> <off>\n... -> "OK <m>\n"
//	SEEK <off> <whence>   -> "OK <pos>\n"
//	IOCTL <cmd> <arg>     -> "OK 0\n"
//	STAT                  -> "OK <len>\n" followed by len report bytes
//	CLOSE                 -> "OK 0\n", then the server drops the session
//
// Failures answer "ERR <CODE> <message>\n" with the errno-style codes
// EINTR, ENOSPC, EFAULT, EBADF, EINVAL, ENODEV or EIO.
package devfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/chardev/internal/logging"
	"github.com/srediag/chardev/pkg/chardev"
	"github.com/srediag/chardev/pkg/registry"
	"github.com/srediag/chardev/pkg/status"
)

var internalLogger = logging.New("devfs", nil)

// ErrNoSpace means the target filesystem for the device nodes reported no
// free space.
var ErrNoSpace = errors.New("no space left on device node filesystem")

// Server exposes registry devices as socket nodes under one directory.
type Server struct {
	reg  *registry.Registry
	dir  string
	pool *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[string]net.Listener
	wg        sync.WaitGroup
}

// NewServer creates a server rooted at dir, handling connections on a pool
// of poolSize workers. The directory is created if missing and checked for
// free space.
func NewServer(ctx context.Context, reg *registry.Registry, dir string, poolSize int) (*Server, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("devfs mkdir %s: %w", dir, err)
	}
	if err := checkNodeSpace(dir); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("devfs worker pool: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	return &Server{
		reg:       reg,
		dir:       dir,
		pool:      pool,
		ctx:       sctx,
		cancel:    cancel,
		listeners: make(map[string]net.Listener),
	}, nil
}

// checkNodeSpace refuses directories on a filesystem with no free blocks.
func checkNodeSpace(dir string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("devfs statfs %s: %w", dir, err)
	}
	if st.Bavail == 0 {
		return fmt.Errorf("%w: %s", ErrNoSpace, dir)
	}
	return nil
}

// NodePath returns the socket node path for a device name.
func (s *Server) NodePath(name string) string {
	return filepath.Join(s.dir, name)
}

// Expose creates the socket node for the named device and starts accepting
// connections on it. The device must already be registered.
func (s *Server) Expose(name string) error {
	if _, err := s.reg.Lookup(name); err != nil {
		return err
	}
	path := s.NodePath(name)
	// A stale node from a previous run blocks the listener.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("devfs remove stale node %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("devfs listen %s: %w", path, err)
	}
	if err := unix.Chmod(path, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("devfs chmod %s: %w", path, err)
	}

	s.mu.Lock()
	s.listeners[name] = ln
	s.mu.Unlock()

	internalLogger.Infof("device node %s created", path)
	s.wg.Add(1)
	go s.acceptLoop(name, ln)
	return nil
}

func (s *Server) acceptLoop(name string, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			internalLogger.Warnf("accept on %s: %v", name, err)
			return
		}
		if err := s.pool.Submit(func() { s.handleConn(name, conn) }); err != nil {
			internalLogger.Errorf("submit connection for %s: %v", name, err)
			_ = conn.Close()
		}
	}
}

// Close tears all nodes down and waits for the accept loops. In-flight
// handlers see their lock waits cancelled and answer EINTR.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for name, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			internalLogger.Warnf("close listener %s: %v", name, err)
		}
		if err := os.Remove(s.NodePath(name)); err != nil && !os.IsNotExist(err) {
			internalLogger.Warnf("remove node %s: %v", s.NodePath(name), err)
		}
	}
	s.listeners = make(map[string]net.Listener)
	s.mu.Unlock()
	s.wg.Wait()
	s.pool.Release()
	return nil
}

func (s *Server) handleConn(name string, conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			internalLogger.Debugf("conn close: %v", err)
		}
	}()

	sess, err := s.reg.Open(name)
	if err != nil {
		fmt.Fprintf(conn, "ERR %s %v\n", errCode(err), err)
		return
	}
	released := false
	defer func() {
		if !released {
			if err := sess.Release(); err != nil {
				internalLogger.Debugf("session release: %v", err)
			}
		}
	}()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				internalLogger.Debugf("session %d read: %v", sess.ID(), err)
			}
			return
		}
		done := s.serveRequest(sess, strings.TrimSpace(line), br, bw)
		if err := bw.Flush(); err != nil {
			internalLogger.Debugf("session %d flush: %v", sess.ID(), err)
			return
		}
		if done {
			released = true
			return
		}
	}
}

// serveRequest handles one protocol line. Returns true when the session
// was closed by request.
func (s *Server) serveRequest(sess *registry.Session, line string, br *bufio.Reader, bw *bufio.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintf(bw, "ERR EINVAL empty request\n")
		return false
	}
	args := fields[1:]
	switch fields[0] {
	case "READ":
		n, ok := parseCount(bw, args, 0)
		if !ok {
			return false
		}
		s.doRead(sess, bw, n, 0, false)
	case "PREAD":
		n, ok := parseCount(bw, args, 0)
		if !ok {
			return false
		}
		off, ok := parseOffset(bw, args, 1)
		if !ok {
			return false
		}
		s.doRead(sess, bw, n, off, true)
	case "WRITE":
		n, ok := parseCount(bw, args, 0)
		if !ok {
			return false
		}
		s.doWrite(sess, br, bw, n, 0, false)
	case "PWRITE":
		n, ok := parseCount(bw, args, 0)
		if !ok {
			return false
		}
		off, ok := parseOffset(bw, args, 1)
		if !ok {
			return false
		}
		s.doWrite(sess, br, bw, n, off, true)
	case "SEEK":
		off, ok := parseOffset(bw, args, 0)
		if !ok {
			return false
		}
		whence, ok := parseCount(bw, args, 1)
		if !ok {
			return false
		}
		pos, err := sess.Seek(off, whence)
		reply(bw, pos, err)
	case "IOCTL":
		cmd, ok := parseCount(bw, args, 0)
		if !ok {
			return false
		}
		arg, ok := parseOffset(bw, args, 1)
		if !ok {
			return false
		}
		err := sess.Ioctl(uint32(cmd), uint64(arg))
		reply(bw, 0, err)
	case "STAT":
		major, err := s.reg.Major(sess.Device().Name())
		if err != nil {
			reply(bw, 0, err)
			return false
		}
		report := status.Render(sess.Device().Config(), major, sess.Device().Snapshot())
		fmt.Fprintf(bw, "OK %d\n%s", len(report), report)
	case "CLOSE":
		reply(bw, 0, sess.Release())
		return true
	default:
		fmt.Fprintf(bw, "ERR EINVAL unknown request %q\n", fields[0])
	}
	return false
}

func (s *Server) doRead(sess *registry.Session, bw *bufio.Writer, n int, off int64, atOffset bool) {
	// Stage into a pooled buffer so the "OK <m>" header can precede the
	// payload.
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var m int
	var err error
	if atOffset {
		m, err = sess.ReadToAt(s.ctx, buf, n, off)
	} else {
		m, err = sess.ReadTo(s.ctx, buf, n)
	}
	if err != nil {
		reply(bw, 0, err)
		return
	}
	fmt.Fprintf(bw, "OK %d\n", m)
	if _, err := bw.Write(buf.B[:m]); err != nil {
		internalLogger.Debugf("payload write: %v", err)
	}
}

func (s *Server) doWrite(sess *registry.Session, br *bufio.Reader, bw *bufio.Writer, n int, off int64, atOffset bool) {
	src := io.LimitReader(br, int64(n))
	var m int
	var err error
	if atOffset {
		m, err = sess.WriteFromAt(s.ctx, src, n, off)
	} else {
		m, err = sess.WriteFrom(s.ctx, src, n)
	}
	// The unconsumed tail of a clamped write still sits on the wire.
	if _, derr := io.Copy(io.Discard, src); derr != nil {
		internalLogger.Debugf("drain: %v", derr)
	}
	reply(bw, int64(m), err)
}

func reply(bw *bufio.Writer, v int64, err error) {
	if err != nil {
		fmt.Fprintf(bw, "ERR %s %v\n", errCode(err), err)
		return
	}
	fmt.Fprintf(bw, "OK %d\n", v)
}

func parseCount(bw *bufio.Writer, args []string, i int) (int, bool) {
	if i >= len(args) {
		fmt.Fprintf(bw, "ERR EINVAL missing argument\n")
		return 0, false
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		fmt.Fprintf(bw, "ERR EINVAL bad count %q\n", args[i])
		return 0, false
	}
	return n, true
}

func parseOffset(bw *bufio.Writer, args []string, i int) (int64, bool) {
	if i >= len(args) {
		fmt.Fprintf(bw, "ERR EINVAL missing argument\n")
		return 0, false
	}
	off, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		fmt.Fprintf(bw, "ERR EINVAL bad offset %q\n", args[i])
		return 0, false
	}
	return off, true
}

// errCode maps core errors onto errno-style wire codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, chardev.ErrInterrupted):
		return "EINTR"
	case errors.Is(err, chardev.ErrCapacityExceeded):
		return "ENOSPC"
	case errors.Is(err, chardev.ErrCopyFault):
		return "EFAULT"
	case errors.Is(err, chardev.ErrSessionClosed), errors.Is(err, chardev.ErrNotOpen):
		return "EBADF"
	case errors.Is(err, chardev.ErrDeviceNotFound):
		return "ENODEV"
	case errors.Is(err, chardev.ErrBadOffset):
		return "EINVAL"
	default:
		return "EIO"
	}
}
