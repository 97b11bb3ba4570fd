package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc serves one command. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// HandleTyped registers fn for command. The request params are decoded into
// P; a returned *ErrorDetail is sent as is, any other error as
// INTERNAL_ERROR.
func HandleTyped[P, R any](s *Server, command string, fn func(ctx context.Context, params P) (R, error)) {
	s.Handle(command, func(ctx context.Context, req *Request) *Response {
		var params P
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeBadRequest, err.Error())
		}
		res, err := fn(ctx, params)
		if err != nil {
			var detail *ErrorDetail
			if errors.As(err, &detail) {
				return &Response{Error: detail}
			}
			return ErrorResponse(ErrCodeInternal, err.Error())
		}
		return SuccessResponse(res)
	})
}

// Server is the daemon side of the control socket.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		logger:      logger.Named("uds"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// SetConnTimeout bounds how long one connection may take to send its
// request and receive the response.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket, replacing one left by a crashed daemon, and
// serves connections until Stop.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// Only the daemon's user may submit or shut it down.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener
	s.logger.Info("control socket listening", zap.String("socket", s.socketPath))

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, cancels in-flight handlers and waits for them.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read request", zap.Error(err))
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	fields := []zap.Field{zap.String("command", req.Command), zap.Duration("took", time.Since(start))}
	if resp.Error != nil {
		fields = append(fields, zap.String("code", resp.Error.Code))
	}
	s.logger.Debug("request served", fields...)

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write response", zap.String("command", req.Command), zap.Error(err))
	}
}

// dispatch runs the handler for req. A panicking handler answers
// INTERNAL_ERROR instead of dropping the connection.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in handler",
				zap.String("command", req.Command),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()
	return handler(s.ctx, req)
}
