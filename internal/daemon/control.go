package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/manifoldmcp/manifold/internal/common"
	"github.com/manifoldmcp/manifold/internal/gateway"
	"github.com/manifoldmcp/manifold/internal/pool"
)

// ControlRequest is one CLI request to a running daemon.
type ControlRequest struct {
	Type string `json:"type"` // "status" or "stop"
}

// ControlResponse carries the result back. Data is present on successful
// status requests and decodes into StatusData.
type ControlResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StatusData is the payload of a status response.
type StatusData struct {
	Addr     string                `json:"addr"`
	Uptime   string                `json:"uptime"`
	Sessions []gateway.SessionInfo `json:"sessions"`
	Pool     []pool.Stats          `json:"pool"`
}

const controlIOTimeout = 5 * time.Second

// controlServer answers status and stop requests over a localhost TCP
// socket. The bind doubles as the single-instance lock: only one daemon
// can hold the port.
type controlServer struct {
	daemon *Daemon

	mu       sync.Mutex
	addr     string
	listener net.Listener
	closed   bool
}

func newControlServer(addr string, d *Daemon) *controlServer {
	return &controlServer{daemon: d, addr: addr}
}

func (c *controlServer) start() error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("control socket %s is taken, another manifold daemon appears to be running", c.addr)
		}
		return fmt.Errorf("binding control socket %s: %w", c.addr, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.addr = ln.Addr().String()
	c.mu.Unlock()
	go c.acceptLoop(ln)
	return nil
}

func (c *controlServer) stop() {
	c.mu.Lock()
	ln := c.listener
	c.listener = nil
	c.closed = true
	c.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (c *controlServer) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *controlServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			common.LogWarn("control socket accept: %v", err)
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(controlIOTimeout))

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	var req ControlRequest
	if err := dec.Decode(&req); err != nil {
		_ = enc.Encode(ControlResponse{Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}
	_ = enc.Encode(c.dispatch(&req))
}

func (c *controlServer) dispatch(req *ControlRequest) ControlResponse {
	switch req.Type {
	case "status":
		data, err := json.Marshal(c.daemon.statusData())
		if err != nil {
			return ControlResponse{Error: err.Error()}
		}
		return ControlResponse{Success: true, Data: data}
	case "stop":
		// Let the response reach the client before teardown begins.
		go func() {
			time.Sleep(100 * time.Millisecond)
			c.daemon.requestStop()
		}()
		return ControlResponse{Success: true}
	default:
		return ControlResponse{Error: fmt.Sprintf("unknown request type '%s'", req.Type)}
	}
}
