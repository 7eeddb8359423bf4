// Package server exposes the wrapper over a unix domain socket.
//
// The protocol is newline-delimited JSON, one object per line, UTF-8.
// Clients send {"type":"input"|"command","content":...} or {"type":"status"};
// the server pushes broadcast events to every connected client and answers
// status requests synchronously. Clients are assumed to be trusted local
// peers; there is no authentication.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"codex-loop/log"
)

// Orchestrator is the part of the wrapper the server drives.
type Orchestrator interface {
	// SendInput forwards one line of client input to the wrapped session.
	SendInput(text string) error
	// StateName returns the current UI state name.
	StateName() string
	// IsAlive reports whether the wrapped child is running.
	IsAlive() bool
}

// clientQueueSize bounds each client's outbound queue. When a client can't
// keep up, new broadcasts to it are dropped (drop-new): losing the latest
// chunk for one slow reader beats stalling delivery to everyone else.
const clientQueueSize = 64

type client struct {
	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// A slow client drops on every broadcast; log it at most once a minute.
	dropEvery *log.Every
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// enqueue queues one wire-ready line for the client without blocking.
func (c *client) enqueue(line []byte) {
	select {
	case c.send <- line:
	case <-c.done:
	default:
		if c.dropEvery.ShouldLog() {
			log.FileOnlyWarningLog.Printf("client %v queue full, dropping messages", c.conn.RemoteAddr())
		}
	}
}

// Server accepts socket clients and relays messages between them and the
// orchestrator.
type Server struct {
	socketPath string
	orch       Orchestrator

	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
	stopped bool
}

// New returns an unstarted server for the given socket path.
func New(socketPath string, orch Orchestrator) *Server {
	return &Server{
		socketPath: socketPath,
		orch:       orch,
		clients:    make(map[*client]struct{}),
	}
}

// Start binds the socket and begins accepting clients.
func (s *Server) Start() error {
	// Remove a stale socket from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	log.FileOnlyInfoLog.Printf("socket listening at %s", s.socketPath)

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.FileOnlyErrorLog.Printf("error accepting client: %v", err)
			continue
		}
		c := &client{
			conn:      conn,
			send:      make(chan []byte, clientQueueSize),
			done:      make(chan struct{}),
			dropEvery: log.NewEvery(time.Minute),
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		go s.writeLoop(c)
		go s.readLoop(c)
	}
}

// writeLoop drains the client's queue onto the connection.
func (s *Server) writeLoop(c *client) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-c.done:
			return
		case line := <-c.send:
			if _, err := c.conn.Write(line); err != nil {
				log.FileOnlyInfoLog.Printf("client %v write failed, disconnecting: %v", c.conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// readLoop reads newline-delimited JSON messages and dispatches them.
// Protocol errors are reported to this client only; the connection and the
// session stay up.
func (s *Server) readLoop(c *client) {
	defer s.dropClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			s.sendError(c, fmt.Sprintf("invalid JSON: %v", err))
			continue
		}

		switch msg.Type {
		case "input", "command":
			if err := s.orch.SendInput(msg.Content); err != nil {
				s.sendError(c, err.Error())
			}
		case "status":
			s.sendTo(c, statusReply{
				Type:    "status",
				State:   s.orch.StateName(),
				IsAlive: s.orch.IsAlive(),
			})
		default:
			s.sendError(c, fmt.Sprintf("unknown message type: %q", msg.Type))
		}
	}

	// A scan failure (line over the buffer cap, mid-read error) leaves the
	// stream unrecoverable. Tell the client why before disconnecting it;
	// the write goes straight to the conn since the queue is about to close.
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.FileOnlyInfoLog.Printf("client %v read failed, disconnecting: %v", c.conn.RemoteAddr(), err)
		if line, merr := json.Marshal(errorReply{Type: "error", Content: fmt.Sprintf("read error: %v", err)}); merr == nil {
			_, _ = c.conn.Write(append(line, '\n'))
		}
	}
}

type statusReply struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	IsAlive bool   `json:"is_alive"`
}

type errorReply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (s *Server) sendError(c *client, message string) {
	s.sendTo(c, errorReply{Type: "error", Content: message})
}

// sendTo marshals v and queues it for one client.
func (s *Server) sendTo(c *client, v any) {
	line, err := json.Marshal(v)
	if err != nil {
		log.FileOnlyErrorLog.Printf("error marshaling reply: %v", err)
		return
	}
	c.enqueue(append(line, '\n'))
}

// Broadcast pushes an event to every connected client. Marshaling happens
// once; slow clients drop rather than block.
func (s *Server) Broadcast(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		log.FileOnlyErrorLog.Printf("error marshaling broadcast: %v", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(line)
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// Stop closes the listener and all client connections. In-flight client
// writes may be dropped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		log.FileOnlyWarningLog.Printf("error removing socket %s: %v", s.socketPath, err)
	}
	return err
}
