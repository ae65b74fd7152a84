// Copyright 2025 MDCFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
)

// Request types
const (
	RequestStatus     = "status"     // Daemon liveness and cache summary
	RequestExports    = "exports"    // List served exports
	RequestUnexport   = "unexport"   // Detach an export by name
	RequestInvalidate = "invalidate" // Invalidate a cached path in an export
	RequestReap       = "reap"       // Run a cleanup pass immediately
	RequestStop       = "stop"       // Shut the daemon down
)

// Request represents an IPC request
type Request struct {
	Type   string `json:"type"`
	Export string `json:"export,omitempty"` // Export name (unexport, invalidate)
	Path   string `json:"path,omitempty"`   // Path within the export (invalidate)
}

// ExportStatus describes one served export
type ExportStatus struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Addr    string `json:"addr"`
	Entries int    `json:"entries,omitempty"` // Entries associated with this export
}

// Response represents an IPC response
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	PID     int    `json:"pid,omitempty"`

	CachedEntries int            `json:"cached_entries,omitempty"` // Total entries in the cache
	Reaped        int            `json:"reaped,omitempty"`         // Entries destroyed by a reap request
	Exports       []ExportStatus `json:"exports,omitempty"`
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(SocketPath(), 0600)

	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Status sends a status request
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Exports lists the exports the daemon is serving
func (c *Client) Exports() ([]ExportStatus, error) {
	resp, err := c.Send(&Request{Type: RequestExports})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("exports failed: %s", resp.Error)
	}
	return resp.Exports, nil
}

// Unexport detaches a named export and drains its cached entries
func (c *Client) Unexport(name string) error {
	resp, err := c.Send(&Request{Type: RequestUnexport, Export: name})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("unexport failed: %s", resp.Error)
	}
	return nil
}

// Invalidate drops the cached state for a path in an export. The next
// access refetches from the backend.
func (c *Client) Invalidate(export, path string) error {
	resp, err := c.Send(&Request{Type: RequestInvalidate, Export: export, Path: path})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("invalidate failed: %s", resp.Error)
	}
	return nil
}

// Reap asks the daemon to run a cleanup pass immediately, returning the
// number of entries destroyed
func (c *Client) Reap() (int, error) {
	resp, err := c.Send(&Request{Type: RequestReap})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("reap failed: %s", resp.Error)
	}
	return resp.Reaped, nil
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}
