// Package transport carries wire requests between overlay nodes: one request
// and one reply over a fresh TCP connection per message.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iggydv12/superleaf/internal/wire"
)

const (
	DefaultDialTimeout     = 2 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultMaxMessageBytes = 4 << 20
)

var (
	// ErrUnreachable wraps every failure to reach a peer or read its reply.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnsupported is returned for request types a node does not serve.
	ErrUnsupported = errors.New("unsupported message type")
)

// RemoteError is a failure reported by the node that handled a request.
type RemoteError struct {
	Addr string
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Addr, e.Msg)
}

// HandlerFunc serves one decoded request. A nil reply is sent as an Ack.
type HandlerFunc func(ctx context.Context, msg wire.Message) (any, error)

// Mux dispatches requests to handlers by their type discriminator.
type Mux struct {
	handlers map[wire.Type]HandlerFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[wire.Type]HandlerFunc)}
}

// Handle registers h for requests of type t, replacing any previous handler.
func (m *Mux) Handle(t wire.Type, h HandlerFunc) {
	m.handlers[t] = h
}

// Serve runs the handler registered for msg's type.
func (m *Mux) Serve(ctx context.Context, msg wire.Message) (any, error) {
	h, ok := m.handlers[msg.MessageType()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, msg.MessageType())
	}
	return h(ctx, msg)
}

// Options tune a Listener.
type Options struct {
	// ReadTimeout bounds how long a peer may take to send its request.
	ReadTimeout     time.Duration
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return o
}

// Listener is a node's accept loop. Each accepted connection is served on
// its own goroutine.
type Listener struct {
	ln     net.Listener
	mux    *Mux
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Listen binds addr. Serve must be called to start accepting.
func Listen(addr string, mux *Mux, opts Options, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, mux: mux, opts: opts.withDefaults(), logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve accepts connections until Close is called or ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	l.logger.Info("Listening", zap.String("addr", l.Addr()))
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				l.logger.Warn("accept failed; retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return nil
		}
		l.wg.Add(1)
		l.mu.Unlock()
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to finish.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := l.logger.With(
		zap.String("req", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(conn, l.opts.MaxMessageBytes)).Decode(&raw); err != nil {
		log.Warn("dropping undecodable request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := wire.Decode(raw)
	if err != nil {
		log.Warn("dropping malformed request", zap.Error(err))
		return
	}
	log.Debug("request", zap.String("type", string(msg.MessageType())))

	reply, err := l.mux.Serve(ctx, msg)
	if err != nil {
		log.Info("request failed", zap.String("type", string(msg.MessageType())), zap.Error(err))
		reply = wire.ErrorReply{Error: err.Error()}
	} else if reply == nil {
		reply = wire.Ack{OK: true}
	}
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Warn("reply not delivered", zap.Error(err))
	}
}

// Client sends requests to other nodes.
type Client struct {
	dialTimeout     time.Duration
	maxMessageBytes int64
}

// NewClient returns a Client. Non-positive arguments select the defaults.
func NewClient(dialTimeout time.Duration, maxMessageBytes int64) *Client {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &Client{dialTimeout: dialTimeout, maxMessageBytes: maxMessageBytes}
}

// Call sends req to addr and decodes the reply into resp, which may be nil
// when only success matters. The call blocks until the peer replies, the
// connection fails, or ctx ends.
func (c *Client) Call(ctx context.Context, addr string, req wire.Message, resp any) error {
	data, err := wire.Encode(req)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnreachable, addr, err)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(conn, c.maxMessageBytes)).Decode(&raw); err != nil {
		return fmt.Errorf("%w: read reply from %s: %v", ErrUnreachable, addr, err)
	}

	var er wire.ErrorReply
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		return &RemoteError{Addr: addr, Msg: er.Error}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode reply from %s: %w", addr, err)
	}
	return nil
}
