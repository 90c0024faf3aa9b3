package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dreamware/spine/internal/cluster"
)

// ClientOptions tunes how a Client reaches the master's broker.
type ClientOptions struct {
	// MaxAttempts bounds stream establishment attempts. Zero means one.
	MaxAttempts int
	// Interval is the pause between attempts.
	Interval time.Duration
	// OnError is invoked once if the stream breaks while the client is
	// open. A broken stream cannot be resumed in place.
	OnError func(error)
	// Logger receives transport diagnostics. Nil disables logging.
	Logger *zap.Logger
	// DialOptions are appended to the defaults (insecure, JSON codec).
	DialOptions []grpc.DialOption
}

// Client is a Transport backed by a gRPC stream to a remote broker.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger *zap.Logger

	onError func(error)

	sendMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[uint64]*mailbox
	nextID   uint64
	closed   bool

	done chan struct{}
}

var _ Transport = (*Client)(nil)

// Dial connects to the broker at target, retrying stream establishment up
// to opts.MaxAttempts times.
func Dial(ctx context.Context, target string, opts ClientOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport").With(zap.String("target", target))

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		streamCtx, cancel := context.WithCancel(context.Background())
		stream, err := conn.NewStream(streamCtx, &brokerServiceDesc.Streams[0], connectMethod)
		if err == nil {
			c := &Client{
				conn:     conn,
				stream:   stream,
				cancel:   cancel,
				logger:   logger,
				onError:  opts.OnError,
				handlers: make(map[string]map[uint64]*mailbox),
				done:     make(chan struct{}),
			}
			go c.receive()
			logger.Debug("connected to broker", zap.Int("attempt", attempt))
			return c, nil
		}
		cancel()
		lastErr = err
		logger.Debug("broker connect retry", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnect, attempts, lastErr)
}

func (c *Client) send(f *frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(f)
}

// Publish implements Transport.
func (c *Client) Publish(ctx context.Context, t Topic, env cluster.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	return c.send(&frame{Op: opPublish, Topic: t, Envelope: &env})
}

// Subscribe implements Transport. Local handlers on the same topic share
// one remote subscription.
func (c *Client) Subscribe(t Topic, h Handler) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := c.handlers[t.Name]
	if !ok {
		set = make(map[uint64]*mailbox)
		c.handlers[t.Name] = set
	}
	first := len(set) == 0
	c.nextID++
	id := c.nextID
	set[id] = newMailbox(h, nil)
	c.mu.Unlock()

	if first {
		if err := c.send(&frame{Op: opSubscribe, Topic: t}); err != nil {
			c.remove(t, id)
			return nil, fmt.Errorf("subscribe %s: %w", t.Name, err)
		}
	}
	return &remoteSub{client: c, topic: t, id: id}, nil
}

// remove drops one local handler and reports whether it was the last one on
// the topic.
func (c *Client) remove(t Topic, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.handlers[t.Name]
	if !ok {
		return false
	}
	if m, ok := set[id]; ok {
		m.stop()
		delete(set, id)
	}
	if len(set) == 0 {
		delete(c.handlers, t.Name)
		return !c.closed
	}
	return false
}

type remoteSub struct {
	client *Client
	topic  Topic
	id     uint64
	once   sync.Once
}

func (s *remoteSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.client.remove(s.topic, s.id) {
			err = s.client.send(&frame{Op: opUnsubscribe, Topic: s.topic})
		}
	})
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) receive() {
	defer close(c.done)
	for {
		var f frame
		if err := c.stream.RecvMsg(&f); err != nil {
			if c.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("broker closed the stream: %w", err)
			}
			c.logger.Warn("broker stream broken", zap.Error(err))
			if c.onError != nil {
				c.onError(err)
			}
			return
		}
		if f.Op != opDeliver || f.Envelope == nil {
			c.logger.Warn("dropping unexpected frame", zap.String("op", string(f.Op)))
			continue
		}

		c.mu.Lock()
		for _, m := range c.handlers[f.Topic.Name] {
			m.push(*f.Envelope)
		}
		c.mu.Unlock()
	}
}

// Close implements Transport. The stream is closed before the connection,
// so the server sees a clean end of stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for name, set := range c.handlers {
		for _, m := range set {
			m.stop()
		}
		delete(c.handlers, name)
	}
	c.mu.Unlock()

	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}
