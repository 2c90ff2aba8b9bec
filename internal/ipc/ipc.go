// Package ipc carries MCP sessions over a local Unix socket for the control
// panel process. Frames are JSON-RPC messages prefixed with a 4-byte
// big-endian length; semantics are otherwise identical to stdio.
package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxFrameSize bounds a single frame. Catalogs and results stay far below
// this; anything larger indicates a corrupted or hostile stream.
const maxFrameSize = 16 << 20

// DialTransport connects to a runtime's IPC socket as a client.
type DialTransport struct {
	// Path is the Unix socket path.
	Path string
}

var _ mcp.Transport = (*DialTransport)(nil)

// Connect dials the socket and returns the framed connection.
func (t *DialTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", t.Path, err)
	}
	return newConnection(conn), nil
}

// ConnTransport adapts one accepted socket connection to the SDK transport
// shape, for the server side of the session.
type ConnTransport struct {
	Conn net.Conn
}

var _ mcp.Transport = (*ConnTransport)(nil)

// Connect wraps the already-established connection.
func (t *ConnTransport) Connect(context.Context) (mcp.Connection, error) {
	return newConnection(t.Conn), nil
}

// connection is one framed JSON-RPC stream. Reads and writes are each
// serialized; a read blocks until a frame arrives or Close is called.
type connection struct {
	conn      net.Conn
	sessionID string

	rmu sync.Mutex
	wmu sync.Mutex
}

var _ mcp.Connection = (*connection)(nil)

func newConnection(conn net.Conn) *connection {
	return &connection{conn: conn, sessionID: uuid.NewString()}
}

// SessionID identifies the session for the protocol core.
func (c *connection) SessionID() string { return c.sessionID }

// Read returns the next inbound message. Close unblocks a pending Read.
func (c *connection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame size %d out of range", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: decode frame: %w", err)
	}
	return msg, nil
}

// Write sends one message as a single frame.
func (c *connection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ipc: frame size %d out of range", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(payload)
	return err
}

// Close tears the stream down and unblocks pending reads.
func (c *connection) Close() error {
	return c.conn.Close()
}

// Listener accepts IPC sessions on a Unix socket.
type Listener struct {
	ln   net.Listener
	path string
}

// Listen binds the socket, replacing a stale socket file from a previous
// run. The socket is private to the owning user.
func Listen(path string) (*Listener, error) {
	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: restrict socket: %w", err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks for the next control-panel connection and returns it as an
// SDK transport.
func (l *Listener) Accept() (mcp.Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &ConnTransport{Conn: conn}, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}
