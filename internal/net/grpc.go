package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/common/codec"
	"github.com/hxrts/aura-sub023/common/log"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/metrics"
)

const (
	serviceName   = "aura.net.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// Envelope is the single message type of the transport service.
type Envelope struct {
	From    common.DeviceID `cbor:"1,keyasint"`
	Topic   string          `cbor:"2,keyasint"`
	Payload []byte          `cbor:"3,keyasint"`
}

// Ack is the empty reply to a delivery.
type Ack struct{}

// cborCodec replaces protobuf as the gRPC codec: transport messages are the
// same deterministic CBOR values the rest of the node hashes and signs.
type cborCodec struct{}

func (cborCodec) Marshal(v interface{}) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v interface{}) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                               { return "cbor" }

type deliverer interface {
	Deliver(ctx context.Context, in *Envelope) (*Ack, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aura/net/transport",
}

// AddressBook resolves a device to a dialable address.
type AddressBook interface {
	Address(d common.DeviceID) (string, bool)
}

// StaticBook is a fixed AddressBook.
type StaticBook map[common.DeviceID]string

func (s StaticBook) Address(d common.DeviceID) (string, bool) {
	a, ok := s[d]
	return a, ok
}

var defaultConnTimeout = 10 * time.Second

// DefaultInboxSize bounds the messages received but not yet consumed.
const DefaultInboxSize = 1024

// GRPCTransport implements effects.TransportEffects over one unary gRPC
// method. Outgoing connections are cached per address.
type GRPCTransport struct {
	sync.RWMutex
	self    common.DeviceID
	book    AddressBook
	conns   map[string]*grpc.ClientConn
	opts    []grpc.DialOption
	timeout time.Duration
	inbox   chan effects.Message
	log     log.Logger
}

var _ effects.TransportEffects = (*GRPCTransport)(nil)

// NewGRPCTransport returns a transport for self. Connections are plaintext
// unless opts carry transport credentials.
func NewGRPCTransport(l log.Logger, self common.DeviceID, book AddressBook, opts ...grpc.DialOption) *GRPCTransport {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
		grpc.WithChainUnaryInterceptor(grpcprometheus.UnaryClientInterceptor),
	}
	return &GRPCTransport{
		self:    self,
		book:    book,
		conns:   make(map[string]*grpc.ClientConn),
		opts:    append(base, opts...),
		timeout: defaultConnTimeout,
		inbox:   make(chan effects.Message, DefaultInboxSize),
		log:     l.Named("grpc"),
	}
}

func (g *GRPCTransport) Self() common.DeviceID { return g.self }

func (g *GRPCTransport) Send(ctx context.Context, to common.DeviceID, topic string, payload []byte) error {
	addr, ok := g.book.Address(to)
	if !ok {
		return effects.ErrUnreachable
	}
	c, err := g.conn(ctx, addr)
	if err != nil {
		metrics.TransportDialFailures.WithLabelValues(addr).Inc()
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	in := &Envelope{From: g.self, Topic: topic, Payload: payload}
	if err := c.Invoke(ctx, deliverMethod, in, new(Ack)); err != nil {
		g.log.Debugw("delivery failed", "to", to, "addr", addr, "topic", topic, "err", err)
		return fmt.Errorf("delivering to %s: %w", to, err)
	}
	return nil
}

func (g *GRPCTransport) Recv(ctx context.Context) (effects.Message, error) {
	select {
	case m := <-g.inbox:
		return m, nil
	case <-ctx.Done():
		return effects.Message{}, ctx.Err()
	}
}

// Reachable reports whether the peer has an address and its connection, if
// any, is not failing.
func (g *GRPCTransport) Reachable(peer common.DeviceID) bool {
	addr, ok := g.book.Address(peer)
	if !ok {
		return false
	}
	g.RLock()
	c, ok := g.conns[addr]
	g.RUnlock()
	if !ok {
		return true
	}
	switch c.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

// Deliver is the server side of Send.
func (g *GRPCTransport) Deliver(ctx context.Context, in *Envelope) (*Ack, error) {
	m := effects.Message{From: in.From, Topic: in.Topic, Payload: in.Payload}
	select {
	case g.inbox <- m:
		return new(Ack), nil
	case <-ctx.Done():
		return nil, status.Error(codes.DeadlineExceeded, ctx.Err().Error())
	default:
		return nil, status.Error(codes.ResourceExhausted, "inbox full")
	}
}

// Close tears down every outgoing connection.
func (g *GRPCTransport) Close() error {
	g.Lock()
	defer g.Unlock()
	var errs *multierror.Error
	for addr, c := range g.conns {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", addr, err))
		}
		delete(g.conns, addr)
	}
	return errs.ErrorOrNil()
}

func (g *GRPCTransport) conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	g.Lock()
	defer g.Unlock()
	if c, ok := g.conns[addr]; ok {
		if c.GetState() != connectivity.Shutdown {
			return c, nil
		}
		delete(g.conns, addr)
	}
	c, err := grpc.DialContext(ctx, addr, g.opts...)
	if err != nil {
		return nil, err
	}
	g.conns[addr] = c
	return c, nil
}

// Listener serves the transport service.
type Listener interface {
	Addr() string
	Start()
	Stop(ctx context.Context)
}

var isGrpcPrometheusMetricsRegistered = false
var state sync.Mutex

func registerGRPCMetrics(l log.Logger) error {
	if err := metrics.PrivateMetrics.Register(grpcprometheus.DefaultServerMetrics); err != nil {
		l.Warnw("", "grpc Listener", "failed metrics registration", "err", err)
		return err
	}
	isGrpcPrometheusMetricsRegistered = true
	return nil
}

// NewGRPCListener binds bindingAddr and serves t on it.
func NewGRPCListener(ctx context.Context, bindingAddr string, t *GRPCTransport, opts ...grpc.ServerOption) (Listener, error) {
	lis, err := net.Listen("tcp", bindingAddr)
	if err != nil {
		return nil, err
	}
	return NewGRPCListenerFor(ctx, lis, t, opts...)
}

// NewGRPCListenerFor serves t on an existing listener.
func NewGRPCListenerFor(ctx context.Context, lis net.Listener, t *GRPCTransport, opts ...grpc.ServerOption) (Listener, error) {
	l := log.FromContextOrDefault(ctx)

	opts = append(opts,
		grpc.ForceServerCodec(cborCodec{}),
		grpc.UnaryInterceptor(
			grpcmiddleware.ChainUnaryServer(
				grpcprometheus.UnaryServerInterceptor,
				grpcrecovery.UnaryServerInterceptor(),
			),
		),
	)
	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&transportServiceDesc, t)
	grpcprometheus.Register(grpcServer)

	state.Lock()
	defer state.Unlock()
	if !isGrpcPrometheusMetricsRegistered {
		if err := registerGRPCMetrics(l); err != nil {
			return nil, err
		}
	}

	return &grpcListener{grpcServer: grpcServer, lis: lis}, nil
}

type grpcListener struct {
	grpcServer *grpc.Server
	lis        net.Listener
}

func (g *grpcListener) Addr() string {
	return g.lis.Addr().String()
}

func (g *grpcListener) Start() {
	go func() {
		_ = g.grpcServer.Serve(g.lis)
	}()
}

func (g *grpcListener) Stop(_ context.Context) {
	g.grpcServer.Stop()
	_ = g.lis.Close()
}
