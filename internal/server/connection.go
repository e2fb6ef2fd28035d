package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

var (
	// ErrAlreadyWritten is returned by a second Write on the same Connection.
	ErrAlreadyWritten = errors.New("response already written")
	// ErrConnectionClosed is returned when writing after the transport released the connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Response is a fully composed HTTP response.
type Response struct {
	Status int
	Header http.Header
	// Body is streamed to the client. It is closed after transmission when it
	// implements io.Closer.
	Body io.Reader
	// Stream flushes every chunk as it is written instead of buffering.
	Stream bool
}

// ComposeResponse builds a response with the given headers and body. Headers
// with an empty value are dropped.
func ComposeResponse(status int, headers map[string]string, body []byte) *Response {
	resp := &Response{Status: status, Header: make(http.Header)}
	for k, v := range headers {
		if v != "" {
			resp.Header.Set(k, v)
		}
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Body = bytes.NewReader(body)
	return resp
}

// ComposeJSON marshals v as the response body.
func ComposeJSON(status int, v interface{}) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON response: %w", err)
	}
	return ComposeResponse(status, map[string]string{
		"Content-Type":  "application/json",
		"Cache-Control": "no-cache",
	}, body), nil
}

// ComposeText builds a text/plain response.
func ComposeText(status int, text string) *Response {
	return ComposeResponse(status, map[string]string{"Content-Type": "text/plain"}, []byte(text))
}

// ComposeStream builds a response whose body is produced while it is sent.
func ComposeStream(status int, headers map[string]string, body io.Reader) *Response {
	resp := &Response{Status: status, Header: make(http.Header), Body: body, Stream: true}
	for k, v := range headers {
		if v != "" {
			resp.Header.Set(k, v)
		}
	}
	return resp
}

// Connection is the per-request handle through which exactly one response is
// written. A handler either writes to it before returning or hands it off with
// Defer, in which case the new owner writes it later.
type Connection struct {
	ctx    context.Context
	w      http.ResponseWriter
	method string

	mu       sync.Mutex
	written  bool
	deferred bool
	closed   bool
	status   int
	bytes    int64
	done     chan struct{}
}

// NewConnection wraps a response writer. ctx must be cancelled when the client
// goes away.
func NewConnection(ctx context.Context, w http.ResponseWriter, method string) *Connection {
	return &Connection{ctx: ctx, w: w, method: method, done: make(chan struct{})}
}

// Context is cancelled when the client disconnects.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed once a response has been written.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Defer marks the connection as handed off to a deferred writer.
func (c *Connection) Defer() {
	c.mu.Lock()
	c.deferred = true
	c.mu.Unlock()
}

// Deferred reports whether Defer was called.
func (c *Connection) Deferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred
}

// Written reports whether a response was written.
func (c *Connection) Written() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Status returns the written status code, or 0.
func (c *Connection) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// BytesWritten returns the number of body bytes sent.
func (c *Connection) BytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// close releases the underlying writer; later writes fail with ErrConnectionClosed.
// A write already in progress is waited for, so the writer is never used
// after the handler returns.
func (c *Connection) close() {
	c.mu.Lock()
	c.closed = true
	inFlight := c.written
	c.mu.Unlock()
	if inFlight {
		<-c.done
	}
}

// Write sends resp. Only the first call reaches the client. The response body
// is closed on every path.
func (c *Connection) Write(resp *Response) (err error) {
	if closer, ok := resp.Body.(io.Closer); ok {
		defer closer.Close()
	}

	c.mu.Lock()
	if c.written {
		c.mu.Unlock()
		return ErrAlreadyWritten
	}
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.written = true
	c.status = resp.Status
	c.mu.Unlock()
	defer close(c.done)

	// The claim above makes this the only writer. The lock stays released
	// while the body streams.
	h := c.w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	c.w.WriteHeader(resp.Status)
	if resp.Body == nil || c.method == http.MethodHead {
		return nil
	}

	var dst io.Writer = c.w
	if resp.Stream {
		if f, ok := c.w.(http.Flusher); ok {
			f.Flush()
			dst = flushWriter{w: c.w, f: f}
		}
	}
	n, err := io.Copy(dst, resp.Body)
	c.mu.Lock()
	c.bytes = n
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send response body: %w", err)
	}
	return nil
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}
