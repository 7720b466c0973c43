// Package refid implements the reference-id service: a monotonic
// 1..999,999,999 counter exposed over a request/reply socket, checkpointed
// to disk every 10 increments and on clean shutdown so a restart skips
// ahead rather than risk reusing an id. Grounded on
// original_source/MCS.py's ReferenceServer, a ZeroMQ REP-socket counter;
// no ZeroMQ binding exists anywhere in the example corpus, so the same
// request/reply contract (client sends "next_ref", server replies with a
// decimal ASCII id) is carried over a plain net.Listen("tcp", ...)
// line-protocol socket instead — a documented standard-library exception.
package refid

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	maxID          = 999_999_999
	checkpointEach = 10
	request        = "next_ref"
)

// Counter is the monotonic id generator, safe for concurrent use by both
// the in-process Next() callers (DR Workers minting copy/delete command
// ids) and the network listener serving external next_ref requests.
type Counter struct {
	mu             sync.Mutex
	current        int64
	sinceCheckpoint int
	checkpointPath string
}

// Open loads the last checkpointed id from checkpointPath (0 if the file
// is absent or unreadable) and returns a ready Counter.
func Open(checkpointPath string) (*Counter, error) {
	c := &Counter{checkpointPath: checkpointPath}
	if b, err := os.ReadFile(checkpointPath); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil {
			c.current = n
		}
	}
	return c, nil
}

// Next returns the next id as a decimal string, wrapping after maxID, and
// checkpoints to disk every checkpointEach increments.
func (c *Counter) Next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current++
	if c.current > maxID {
		c.current = 1
	}
	c.sinceCheckpoint++
	if c.sinceCheckpoint >= checkpointEach {
		if err := c.checkpointLocked(); err != nil {
			return "", err
		}
		c.sinceCheckpoint = 0
	}
	return strconv.FormatInt(c.current, 10), nil
}

// Checkpoint writes a checkpoint unconditionally (the current id plus the
// reserved block, see checkpointLocked); callers should invoke it once on
// clean shutdown.
func (c *Counter) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked()
}

// checkpointLocked persists current plus a full reserved block rather than
// the bare current value, so that a restart after an unclean crash resumes
// strictly past every id that might have already been issued since the
// last checkpoint, never just past the ones it knows about.
func (c *Counter) checkpointLocked() error {
	if c.checkpointPath == "" {
		return nil
	}
	reserved := c.current + checkpointEach
	tmp := c.checkpointPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(reserved, 10)), 0o644); err != nil {
		return fmt.Errorf("refid: checkpoint: %w", err)
	}
	return os.Rename(tmp, c.checkpointPath)
}

// Server exposes Counter over the next_ref request/reply line protocol.
type Server struct {
	ln      net.Listener
	counter *Counter
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, counter *Counter) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("refid: listen %s: %w", addr, err)
	}
	return &Server{ln: ln, counter: counter}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until the listener is closed (by Close, or by
// the caller's own ctx-driven shutdown invoking Close), handling each
// connection in its own goroutine. Within a connection, requests are
// answered in strict turn: one next_ref in, one id out, matching the
// ZeroMQ REP socket's request/reply turn-taking.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != request {
			fmt.Fprintf(conn, "error: unknown request\n")
			continue
		}
		id, err := s.counter.Next()
		if err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(conn, "%s\n", id)
	}
}

// Client is a thin next_ref client for callers that mint ids over the
// network rather than sharing a *Counter directly. The service's own
// workers use the shared *Counter, not this client.
type Client struct {
	addr string
}

// NewClient returns a Client targeting addr.
func NewClient(addr string) *Client { return &Client{addr: addr} }

// Next dials addr, sends next_ref, and returns the decimal id reply.
func (c *Client) Next() (string, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("refid: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", request); err != nil {
		return "", fmt.Errorf("refid: send: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return "", fmt.Errorf("refid: no reply: %w", scanner.Err())
	}
	reply := strings.TrimSpace(scanner.Text())
	if strings.HasPrefix(reply, "error:") {
		return "", fmt.Errorf("refid: %s", reply)
	}
	return reply, nil
}
