// Package eventsockettest provides an in-process event socket server for
// tests.
package eventsockettest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Handler answers one command with a raw protocol message.
type Handler func(cmd string) string

// Server is a scripted switch listening on a loopback port.
type Server struct {
	// User, when set, requires "userauth User:password".
	User     string
	Password string
	Handler  Handler

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	commands []string
	conns    int
	open     map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithUser requires the user/password pair form of authentication.
func WithUser(user string) Option {
	return func(s *Server) {
		s.User = user
	}
}

// NewServer starts a server that accepts password and answers commands with
// handler. It is closed when the test ends.
func NewServer(t testing.TB, password string, handler Handler, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("eventsockettest: listen: %v", err)
	}
	s := &Server{Password: password, Handler: handler, ln: ln, open: make(map[net.Conn]struct{})}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Commands returns every command received after authentication.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns the number of accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Close stops the listener and waits for open connections to finish.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for c := range s.open {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.open[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.open, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	if _, err := conn.Write([]byte("Content-Type: auth/request\n\n")); err != nil {
		return
	}

	auth, err := readCommand(r)
	if err != nil {
		return
	}
	want := "auth " + s.Password
	if s.User != "" {
		want = "userauth " + s.User + ":" + s.Password
	}
	if auth != want {
		_, _ = conn.Write([]byte(CommandReply("-ERR invalid")))
		return
	}
	if _, err := conn.Write([]byte(CommandReply("+OK accepted"))); err != nil {
		return
	}

	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		reply := APIResponse("-ERR no handler\n")
		if s.Handler != nil {
			reply = s.Handler(cmd)
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

// APIResponse formats an api/response message with body.
func APIResponse(body string) string {
	return "Content-Type: api/response\nContent-Length: " + strconv.Itoa(len(body)) + "\n\n" + body
}

// CommandReply formats a command/reply message.
func CommandReply(text string) string {
	return "Content-Type: command/reply\nReply-Text: " + text + "\n\n"
}
