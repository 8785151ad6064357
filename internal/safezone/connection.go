package safezone

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"powerthrough/internal/proxy"
)

// bodyChunkSize bounds how much of a streamed upstream body is buffered
// before being flushed as one base64 body frame.
const bodyChunkSize = 32 * 1024

// writeQueueDepth bounds how many already-marshaled frames the writer
// goroutine may have queued up before a sender blocks.
const writeQueueDepth = 64

// channelState tracks the one thing the cancel path needs: how to abort the
// in-flight pipeline call for this id.
type channelState struct {
	cancel context.CancelFunc
}

// Connection owns one upgraded WebSocket and the channels multiplexed over
// it. A single writer goroutine drains outMsgs and owns every call to
// conn.WriteMessage, since gorilla/websocket connections are not safe for
// concurrent writers; every other goroutine only ever enqueues.
type Connection struct {
	conn      *websocket.Conn
	pipeline  *proxy.Pipeline
	requestID string

	outMsgs  chan []byte
	writerWg sync.WaitGroup

	chanMu   sync.Mutex
	channels map[string]*channelState

	wg sync.WaitGroup
}

// NewConnection wraps an already-upgraded WebSocket connection. requestID is
// the id stamped on the HTTP upgrade request (see applog.EnsureRequestID);
// it is threaded into every error frame's Details so a connection-wide
// fault can be correlated back to the request/log line that opened it.
func NewConnection(conn *websocket.Conn, pipeline *proxy.Pipeline, requestID string) *Connection {
	return &Connection{
		conn:      conn,
		pipeline:  pipeline,
		requestID: requestID,
		outMsgs:   make(chan []byte, writeQueueDepth),
		channels:  make(map[string]*channelState),
	}
}

// writeLoop is the connection's single writer goroutine: it owns
// conn.WriteMessage exclusively and drains outMsgs until it is closed.
// It keeps draining (discarding frames instead of writing them) after the
// first write failure rather than returning early: sendJSON's send on
// outMsgs is an unbuffered-beyond-writeQueueDepth blocking send with no
// cancellation path of its own, so if this goroutine stopped consuming, a
// producer racing ahead of a dead connection (e.g. relayStream flushing
// many chunks) could block forever on a full channel, and Serve's
// cancelAll -> wg.Wait would never return.
func (c *Connection) writeLoop() {
	defer c.writerWg.Done()
	broken := false
	for data := range c.outMsgs {
		if broken {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			broken = true
		}
	}
}

// Serve runs the read loop until the connection closes or ctx is found
// cancelled (ctx is checked between frames; a pending read is not
// interrupted by it), dispatching each request frame to its own goroutine so concurrent
// channels progress independently. It blocks until every in-flight channel
// has been cancelled and drained, and the writer goroutine has stopped.
func (c *Connection) Serve(ctx context.Context) {
	c.writerWg.Add(1)
	go c.writeLoop()
	defer func() {
		c.cancelAll()
		close(c.outMsgs)
		c.writerWg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError(ErrorFrame{Type: TypeError, Message: "binary frames are not supported"})
			continue
		}

		env, err := parseEnvelope(data)
		if err != nil {
			c.sendError(ErrorFrame{Type: TypeError, Message: "malformed frame", Details: err.Error()})
			continue
		}

		switch env.Type {
		case TypeRequest:
			var req RequestFrame
			if jsonErr := unmarshalFrame(data, &req); jsonErr != nil || req.ID == "" || req.URL == "" {
				c.sendError(ErrorFrame{Type: TypeError, ID: env.ID, Status: http.StatusBadRequest, Message: "malformed request frame"})
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleRequest(ctx, req)
			}()
		case TypeCancel:
			if env.ID == "" {
				c.sendError(ErrorFrame{Type: TypeError, Message: "malformed cancel frame"})
				continue
			}
			c.cancelChannel(env.ID)
		default:
			c.sendError(ErrorFrame{Type: TypeError, ID: env.ID, Status: http.StatusBadRequest, Message: "unknown frame type"})
		}
	}
}

func (c *Connection) handleRequest(parent context.Context, req RequestFrame) {
	ctx, cancel := context.WithCancel(parent)

	c.chanMu.Lock()
	c.channels[req.ID] = &channelState{cancel: cancel}
	c.chanMu.Unlock()
	defer c.closeChannel(req.ID, cancel)

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := http.Header{}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	var bodyReader io.Reader
	if method != http.MethodGet && method != http.MethodHead && req.Body != "" {
		raw, err := decodeBody(req.Body, req.BodyEncoding)
		if err != nil {
			c.sendError(ErrorFrame{Type: TypeError, ID: req.ID, Status: http.StatusBadRequest, Message: "invalid body encoding"})
			return
		}
		bodyReader = bytes.NewReader(raw)
		if headers.Get("Content-Length") == "" {
			headers.Set("Content-Length", strconv.Itoa(len(raw)))
		}
	}

	result, err := c.pipeline.Handle(ctx, req.URL, method, headers, bodyReader, req.RenderHint)
	if err != nil {
		status := http.StatusInternalServerError
		if perr, ok := err.(*proxy.Error); ok {
			status = perr.Status()
		}
		c.sendError(ErrorFrame{Type: TypeError, ID: req.ID, Status: status, Message: err.Error()})
		return
	}

	c.sendJSON(ResponseFrame{
		Type:      TypeResponse,
		ID:        req.ID,
		Status:    result.Status,
		Headers:   flattenHeaders(result.Headers),
		FromCache: result.FromCache,
		Renderer:  result.Renderer,
	})

	if result.Stream != nil {
		c.relayStream(ctx, req.ID, result.Stream)
		return
	}
	c.sendJSON(BodyFrame{Type: TypeBody, ID: req.ID, Data: base64.StdEncoding.EncodeToString(result.Body), Final: true})
}

// relayStream forwards a passthrough response body as a sequence of body
// frames, aborting promptly if ctx is cancelled (by a cancel frame or
// connection teardown).
func (c *Connection) relayStream(ctx context.Context, id string, stream io.ReadCloser) {
	defer stream.Close()
	buf := make([]byte, bodyChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			c.sendJSON(BodyFrame{Type: TypeBody, ID: id, Data: base64.StdEncoding.EncodeToString(buf[:n]), Final: false})
		}
		if err != nil {
			if err == io.EOF {
				c.sendJSON(BodyFrame{Type: TypeBody, ID: id, Data: "", Final: true})
				return
			}
			c.sendError(ErrorFrame{Type: TypeError, ID: id, Status: http.StatusBadGateway, Message: "stream relay failed", Details: err.Error()})
			return
		}
	}
}

func (c *Connection) cancelChannel(id string) {
	c.chanMu.Lock()
	state, ok := c.channels[id]
	c.chanMu.Unlock()
	if ok {
		state.cancel()
	}
}

func (c *Connection) closeChannel(id string, cancel context.CancelFunc) {
	cancel()
	c.chanMu.Lock()
	delete(c.channels, id)
	c.chanMu.Unlock()
}

func (c *Connection) cancelAll() {
	c.chanMu.Lock()
	states := make([]*channelState, 0, len(c.channels))
	for _, s := range c.channels {
		states = append(states, s)
	}
	c.chanMu.Unlock()
	for _, s := range states {
		s.cancel()
	}
	c.wg.Wait()
}

// sendJSON marshals v and hands it to the writer goroutine. outMsgs is only
// closed after Serve's read loop has returned and cancelAll has drained
// every per-channel goroutine, so no sender - the read loop itself or one
// of the goroutines it spawned - can race the close.
func (c *Connection) sendJSON(v interface{}) {
	data, err := marshalFrame(v)
	if err != nil {
		return
	}
	c.outMsgs <- data
}

// sendError stamps e with the connection's request id before sending, so a
// channel-scoped or connection-wide fault can be correlated back to the
// log line for the HTTP upgrade request that opened this connection.
func (c *Connection) sendError(e ErrorFrame) {
	e.Type = TypeError
	if c.requestID != "" {
		if e.Details == "" {
			e.Details = "req_id=" + c.requestID
		} else {
			e.Details = e.Details + " req_id=" + c.requestID
		}
	}
	c.sendJSON(e)
}

func decodeBody(data string, encoding BodyEncoding) ([]byte, error) {
	if encoding == EncodingUTF8 {
		return []byte(data), nil
	}
	return base64.StdEncoding.DecodeString(data)
}

func flattenHeaders(pairs []proxy.HeaderPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if existing, ok := out[p.Name]; ok {
			out[p.Name] = existing + ", " + p.Value
			continue
		}
		out[p.Name] = p.Value
	}
	return out
}
