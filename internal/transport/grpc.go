package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/dreamware/spine/internal/cluster"
)

// codecName is the gRPC content-subtype carrying JSON frames.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type frameOp string

const (
	opPublish     frameOp = "publish"
	opSubscribe   frameOp = "subscribe"
	opUnsubscribe frameOp = "unsubscribe"
	opDeliver     frameOp = "deliver"
)

// frame is the unit exchanged on the broker stream in both directions.
type frame struct {
	Op       frameOp           `json:"op"`
	Topic    Topic             `json:"topic"`
	Envelope *cluster.Envelope `json:"envelope,omitempty"`
}

const connectMethod = "/spine.transport.Broker/Connect"

type brokerServer interface {
	Connect(stream grpc.ServerStream) error
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "spine.transport.Broker",
	HandlerType: (*brokerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(brokerServer).Connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "spine/transport/broker",
}

// Server exposes a Broker to remote nodes over gRPC. Each remote node holds
// one bidirectional stream; the server subscribes to the broker on its
// behalf and forwards deliveries down the stream.
type Server struct {
	broker *Broker
	srv    *grpc.Server
	logger *zap.Logger

	mu  sync.Mutex
	lis net.Listener
}

// NewServer wraps broker in a gRPC server. A nil logger disables logging.
func NewServer(broker *Broker, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker: broker,
		srv:    grpc.NewServer(opts...),
		logger: logger.Named("transport"),
	}
	s.srv.RegisterService(&brokerServiceDesc, s)
	return s
}

// Listen binds addr synchronously, so a busy port fails here, then serves
// in a background goroutine.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Warn("broker server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	s.logger.Info("broker serving", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop closes every stream and the listener.
func (s *Server) Stop() {
	s.srv.Stop()
}

// Connect serves one remote node's stream.
func (s *Server) Connect(stream grpc.ServerStream) error {
	conn := s.broker.Connect()
	subs := make(map[string]Subscription)

	var sendMu sync.Mutex
	finished := false
	defer func() {
		sendMu.Lock()
		finished = true
		sendMu.Unlock()
		_ = conn.Close()
	}()

	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch f.Op {
		case opPublish:
			if f.Envelope == nil {
				s.logger.Warn("dropping publish frame without envelope", zap.String("topic", f.Topic.Name))
				continue
			}
			if err := conn.Publish(stream.Context(), f.Topic, *f.Envelope); err != nil {
				return err
			}
		case opSubscribe:
			if _, ok := subs[f.Topic.Name]; ok {
				continue
			}
			t := f.Topic
			sub, err := conn.Subscribe(t, func(env cluster.Envelope) {
				sendMu.Lock()
				defer sendMu.Unlock()
				if finished {
					return
				}
				if err := stream.SendMsg(&frame{Op: opDeliver, Topic: t, Envelope: &env}); err != nil {
					s.logger.Debug("deliver failed", zap.String("topic", t.Name), zap.Error(err))
				}
			})
			if err != nil {
				return err
			}
			subs[t.Name] = sub
		case opUnsubscribe:
			if sub, ok := subs[f.Topic.Name]; ok {
				_ = sub.Unsubscribe()
				delete(subs, f.Topic.Name)
			}
		default:
			s.logger.Warn("dropping unknown frame", zap.String("op", string(f.Op)))
		}
	}
}
