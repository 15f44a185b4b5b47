package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a short-lived JSON-RPC client over a UNIX socket, used by
// branchmindctl for its daemon-control calls (daemon_info,
// daemon_shutdown). It always speaks Content-Length framing, matching the
// proxy's daemon-facing side.
type Client struct {
	conn   net.Conn
	reader *FrameReader
	writer *FrameWriter
	nextID int64
}

// Dial connects to the daemon's socket with a bounded deadline.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{
		conn:   conn,
		reader: NewFrameReader(conn),
		writer: NewFrameWriter(conn, FramingContentLength),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends method with params and blocks for a single matching response.
func (c *Client) Call(method string, params any, timeout time.Duration) (Response, error) {
	c.nextID++
	id := json.Number(fmt.Sprintf("%d", c.nextID))

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return Response{}, fmt.Errorf("ipc: marshal params: %w", err)
		}
		raw = encoded
	}
	req := Request{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: marshal request: %w", err)
	}

	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
	}
	if err := c.writer.WriteMessage(body); err != nil {
		return Response{}, fmt.Errorf("ipc: write request: %w", err)
	}
	respBody, err := c.reader.ReadMessage()
	if err != nil {
		return Response{}, fmt.Errorf("ipc: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, fmt.Errorf("ipc: parse response: %w", err)
	}
	return resp, nil
}

// Notify sends a fire-and-forget request (no id) and does not wait for a
// response.
func (c *Client) Notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("ipc: marshal params: %w", err)
		}
		raw = encoded
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("ipc: marshal notification: %w", err)
	}
	return c.writer.WriteMessage(body)
}
