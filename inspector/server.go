// Package inspector exposes the governor control surface to operators over
// HTTP/JSON, Server-Sent Events and gRPC, and serves the Prometheus metrics.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/xiaonanln/canvasgov/governor"
	"github.com/xiaonanln/canvasgov/util/logger"
)

// sseHeartbeatInterval is the interval between SSE heartbeat events
const sseHeartbeatInterval = 30 * time.Second

// subscriberBuffer is the per-subscriber event queue length
const subscriberBuffer = 100

// subscriber is a connected event stream client, SSE or gRPC
type subscriber struct {
	id        string
	eventChan chan governor.TransitionEvent
	done      chan struct{}
}

// Config holds the configuration for Server
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server hosts the HTTP and gRPC operator endpoints for one governor
type Server struct {
	gov          *governor.Governor
	logger       *logger.Logger
	httpAddr     string
	grpcAddr     string
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	subscribersMu sync.RWMutex
	subscribers   map[string]*subscriber
	clientIDSeq   int64
}

// New creates a Server and registers it as an observer of gov
func New(gov *governor.Governor, cfg Config) *Server {
	s := &Server{
		gov:          gov,
		logger:       logger.NewLogger("Inspector").Named(gov.Name()),
		httpAddr:     cfg.HTTPAddr,
		grpcAddr:     cfg.GRPCAddr,
		shutdownChan: make(chan struct{}),
		subscribers:  make(map[string]*subscriber),
	}
	gov.AddObserver(s)
	return s
}

// OnTransition implements the governor.Observer interface
func (s *Server) OnTransition(ev governor.TransitionEvent) {
	s.subscribersMu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribersMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.eventChan <- ev:
		case <-sub.done:
		default:
			// Channel full, log and skip this event for this client
			s.logger.Warnf("Event %d dropped for subscriber %s: channel full", ev.Seq, sub.id)
		}
	}
}

func (s *Server) subscribe(kind string) *subscriber {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()
	s.clientIDSeq++
	sub := &subscriber{
		id:        fmt.Sprintf("%s-%d", kind, s.clientIDSeq),
		eventChan: make(chan governor.TransitionEvent, subscriberBuffer),
		done:      make(chan struct{}),
	}
	s.subscribers[sub.id] = sub
	s.logger.Infof("Subscriber connected: %s", sub.id)
	return sub
}

func (s *Server) unsubscribe(sub *subscriber) {
	close(sub.done)
	s.subscribersMu.Lock()
	delete(s.subscribers, sub.id)
	s.subscribersMu.Unlock()
	s.logger.Infof("Subscriber disconnected: %s", sub.id)
}

// SubscriberCount returns the number of connected event stream clients
func (s *Server) SubscriberCount() int {
	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()
	return len(s.subscribers)
}

// ServeHTTP listens on the configured HTTP address and blocks until ctx is
// done or Shutdown is called, then shuts the server down gracefully.
func (s *Server) ServeHTTP(ctx context.Context) error {
	l, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return err
	}
	return s.serveHTTP(ctx, l)
}

func (s *Server) serveHTTP(ctx context.Context, l net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("HTTP on %s", l.Addr())

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdownChan:
		}
		s.logger.Infof("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("HTTP server shutdown error: %v", err)
		}
	}()

	err := httpServer.Serve(l)
	s.logger.Infof("HTTP server stopped")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// NewGRPCServer returns a grpc.Server with the inspector service registered
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	grpcServer := grpc.NewServer(opts...)
	RegisterInspectorServer(grpcServer, &service{srv: s})
	return grpcServer
}

// ServeGRPC listens on the configured gRPC address and blocks until ctx is
// done or Shutdown is called, then stops the server gracefully.
func (s *Server) ServeGRPC(ctx context.Context) error {
	l, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return err
	}
	return s.serveGRPC(ctx, l)
}

func (s *Server) serveGRPC(ctx context.Context, l net.Listener) error {
	grpcServer := s.NewGRPCServer()
	s.logger.Infof("gRPC on %s", l.Addr())

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdownChan:
		}
		s.logger.Infof("Shutting down gRPC server...")
		grpcServer.GracefulStop()
	}()

	err := grpcServer.Serve(l)
	s.logger.Infof("gRPC server stopped")
	return err
}

// Shutdown ends every event stream, stops the servers and detaches from the governor.
// This method is idempotent - multiple calls are safe.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.gov.RemoveObserver(s)
	})
}
