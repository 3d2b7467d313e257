// Package scpi carries SCPI request/response exchanges to one instrument over a
// serial port, a raw TCP socket or a USBTMC character device.
package scpi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const terminator = '\n'

// ErrTimeout is returned when the instrument does not answer in time.
var ErrTimeout = errors.New("timed out waiting for response")

// CommunicationError is a channel level failure: timeout, disconnect or a closed channel.
type CommunicationError struct {
	Op       string
	Resource string
	Command  string
	Err      error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s '%s' on %s: %v", e.Op, e.Command, e.Resource, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// Timeout reports if the failure was the instrument not answering.
func (e *CommunicationError) Timeout() bool {
	if errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Client serializes exchanges on one channel so there is never more than one
// outstanding request.
type Client struct {
	mu       sync.Mutex
	resource string
	rw       io.ReadWriteCloser
	r        *bufio.Reader
	timeout  time.Duration
	log      logrus.FieldLogger
	last     string
	closed   bool
}

// NewClient wraps an open channel. timeout bounds each exchange on channels that
// support deadlines; other channels rely on their own read timeout.
func NewClient(resource string, rw io.ReadWriteCloser, timeout time.Duration, log logrus.FieldLogger) *Client {
	return &Client{
		resource: resource,
		rw:       rw,
		r:        bufio.NewReader(&timeoutReader{r: rw}),
		timeout:  timeout,
		log:      log,
	}
}

// Resource is the name the channel was opened with.
func (c *Client) Resource() string {
	return c.resource
}

// Write sends a command that has no response.
func (c *Client) Write(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(cmd)
}

// Query sends a command and returns the first line of its response without the
// terminator. Any further lines of the same response are read with ReadLine.
func (c *Client) Query(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd); err != nil {
		return "", err
	}
	return c.readLine(cmd)
}

// QueryLines sends a command and reads exactly n lines of response, returned
// joined by "\n".
func (c *Client) QueryLines(cmd string, n int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(cmd); err != nil {
		return "", err
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := c.readLine(cmd)
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// ReadLine reads the next line of the response to the last command.
func (c *Client) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", c.commErr("read", c.last, os.ErrClosed)
	}
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", c.commErr("read", c.last, err)
		}
	}
	return c.readLine(c.last)
}

func (c *Client) readLine(cmd string) (string, error) {
	line, err := c.r.ReadString(terminator)
	if err != nil {
		return "", c.commErr("read", cmd, err)
	}
	line = strings.TrimRight(line, "\r\n")
	c.log.Debugf("[RECV] %s", line)
	return line, nil
}

func (c *Client) send(cmd string) error {
	if c.closed {
		return c.commErr("write", cmd, os.ErrClosed)
	}
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.commErr("write", cmd, err)
		}
	}
	c.log.Debugf("[SENT] %s", cmd)
	c.last = cmd
	if _, err := io.WriteString(c.rw, cmd+string(terminator)); err != nil {
		return c.commErr("write", cmd, err)
	}
	return nil
}

func (c *Client) commErr(op, cmd string, err error) error {
	return &CommunicationError{Op: op, Resource: c.resource, Command: cmd, Err: err}
}

// Close releases the channel. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rw.Close()
}

// timeoutReader turns the zero byte reads a serial port returns on its read
// timeout into ErrTimeout.
type timeoutReader struct {
	r io.Reader
}

func (t *timeoutReader) Read(b []byte) (int, error) {
	n, err := t.r.Read(b)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}
