package patchstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/vkstream/internal/version"
	"pkt.systems/vkstream/schema"
)

// EventKind distinguishes transport signals.
type EventKind int

const (
	// EventOpen signals that the transport established a connection.
	EventOpen EventKind = iota + 1
	// EventMessage carries one dispatched server-sent event.
	EventMessage
)

// Event is one signal read from a stream connection.
type Event struct {
	Kind EventKind
	Name string
	Data []byte
	ID   string
}

// Conn is an open event-stream connection. Next blocks until the next signal;
// io.EOF reports that the server closed the stream.
type Conn interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens event-stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// HTTPDialer opens server-sent event streams over HTTP.
type HTTPDialer struct {
	Client *http.Client
}

// Dial issues the GET request and returns a connection once the server
// answers 200 with a body.
func (d HTTPDialer) Dial(ctx context.Context, url string) (Conn, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", schema.ErrStreamStatus, resp.Status)
	}
	return newSSEConn(resp.Body), nil
}

type sseConn struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	opened  bool
	lastID  string
	closing bool
}

func newSSEConn(body io.ReadCloser) *sseConn {
	return &sseConn{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// Next returns EventOpen first and then one EventMessage per dispatched event.
func (c *sseConn) Next(ctx context.Context) (Event, error) {
	if !c.opened {
		c.opened = true
		return Event{Kind: EventOpen}, nil
	}
	var (
		name string
		data bytes.Buffer
		seen bool
	)
	for {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		line, err := c.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return Event{}, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if seen {
				if name == "" {
					name = "message"
				}
				return Event{Kind: EventMessage, Name: name, Data: data.Bytes(), ID: c.lastID}, nil
			}
			if err != nil {
				return Event{}, err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value := splitField(line)
		switch field {
		case "event":
			name = value
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			seen = true
		case "id":
			c.lastID = value
		}
		if err != nil {
			// Unterminated final event is discarded, as browsers do.
			return Event{}, err
		}
	}
}

func (c *sseConn) Close() error {
	if c.closing {
		return nil
	}
	c.closing = true
	return c.body.Close()
}

func splitField(line []byte) (string, string) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), ""
	}
	field := string(line[:idx])
	value := string(line[idx+1:])
	return field, strings.TrimPrefix(value, " ")
}

// decodeError reports a stream message whose payload could not be decoded.
type decodeError struct {
	data []byte
	err  error
}

func (e *decodeError) Error() string {
	if e == nil || e.err == nil {
		return "stream decode error"
	}
	return e.err.Error()
}

func (e *decodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *decodeError) Data() []byte {
	if e == nil {
		return nil
	}
	return e.data
}

func decodeBatch(data []byte) (schema.PatchBatch, error) {
	batch, err := schema.DecodePatchBatch(data)
	if err != nil {
		return schema.PatchBatch{}, &decodeError{data: append([]byte(nil), data...), err: err}
	}
	return batch, nil
}
