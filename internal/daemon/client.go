package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const controlDialTimeout = 3 * time.Second

// IsRunning reports whether a daemon answers on the control address.
func IsRunning(addr string) bool {
	if addr == "" {
		addr = DefaultControlAddr
	}
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Query sends one request to a running daemon and returns its response.
// A response with Success false is returned as an error.
func Query(addr, reqType string) (*ControlResponse, error) {
	if addr == "" {
		addr = DefaultControlAddr
	}
	conn, err := net.DialTimeout("tcp", addr, controlDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("no manifold daemon reachable at %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(controlIOTimeout))

	if err := json.NewEncoder(conn).Encode(ControlRequest{Type: reqType}); err != nil {
		return nil, fmt.Errorf("sending control request: %w", err)
	}
	var resp ControlResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("reading control response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("daemon refused '%s': %s", reqType, resp.Error)
	}
	return &resp, nil
}

// Status fetches the running daemon's status payload.
func Status(addr string) (*StatusData, error) {
	resp, err := Query(addr, "status")
	if err != nil {
		return nil, err
	}
	var data StatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding status payload: %w", err)
	}
	return &data, nil
}

// Stop asks the running daemon to shut down gracefully.
func Stop(addr string) error {
	_, err := Query(addr, "stop")
	return err
}
