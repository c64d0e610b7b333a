package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentConnections bounds how many client connections a Server
// handles at once. A worker host process is meant to serve one editor or
// CLI session at a time, plus the occasional second client during a
// handoff; an unbounded goroutine-per-connection accept loop has no
// backpressure against a misbehaving client opening connections in a
// loop.
const maxConcurrentConnections = 64

// RequestHandler handles incoming RPC requests. Worker is the one
// production implementation; tests may substitute a stub.
type RequestHandler interface {
	HandleIndex(ctx context.Context, params IndexParams) error
	HandleOnFilesChanged(ctx context.Context, params OnFilesChangedParams) error
	HandleRetrieve(ctx context.Context, params RetrieveParams) ([]RetrieveHit, error)
	HandleDeleteIndex(ctx context.Context, params DeleteIndexParams) error
	HandleSetEmbeddingProvider(ctx context.Context, params SetEmbeddingProviderParams) error
	HandleCancel(params CancelParams) CancelResult
	HandleWatchStart(ctx context.Context, params WatchParams) error
	HandleWatchStop(params WatchParams) WatchStopResult
	GetStatus(ctx context.Context, workspace string) StatusResult
}

// Server listens on a Unix socket and handles RPC requests. One
// connection carries exactly one request/response pair, matching the
// length-prefixed (here, newline-delimited JSON stream per connection)
// request/response contract a worker host exposes to its clients.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	conns    *errgroup.Group
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	return &Server{
		socketPath: socketPath,
	}, nil
}

// SetHandler sets the request handler.
func (s *Server) SetHandler(h RequestHandler) {
	s.handler = h
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.conns = &errgroup.Group{}
	s.conns.SetLimit(maxConcurrentConnections)

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("worker listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.conns.Go(func() error {
			s.handleConnection(ctx, conn)
			return nil
		})
	}

	_ = s.conns.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		slog.Warn("failed to set connection deadline", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return s.handleStatus(ctx, req)

	case MethodIndex:
		return s.handleIndex(ctx, req)

	case MethodOnFilesChanged:
		return s.handleOnFilesChanged(ctx, req)

	case MethodRetrieve:
		return s.handleRetrieve(ctx, req)

	case MethodDeleteIndex:
		return s.handleDeleteIndex(ctx, req)

	case MethodSetEmbeddingProvider:
		return s.handleSetEmbeddingProvider(ctx, req)

	case MethodCancel:
		return s.handleCancel(req)

	case MethodWatchStart:
		return s.handleWatchStart(ctx, req)

	case MethodWatchStop:
		return s.handleWatchStop(req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func decodeParams[T any](req Request) (T, error) {
	var params T
	data, err := json.Marshal(req.Params)
	if err != nil {
		return params, fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("failed to decode params: %w", err)
	}
	return params, nil
}

func (s *Server) handleIndex(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[IndexParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleIndex(ctx, params); err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, nil)
}

func (s *Server) handleOnFilesChanged(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[OnFilesChangedParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleOnFilesChanged(ctx, params); err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, nil)
}

func (s *Server) handleRetrieve(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[RetrieveParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	hits, err := s.handler.HandleRetrieve(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, hits)
}

func (s *Server) handleDeleteIndex(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[DeleteIndexParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleDeleteIndex(ctx, params); err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, nil)
}

func (s *Server) handleSetEmbeddingProvider(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[SetEmbeddingProviderParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleSetEmbeddingProvider(ctx, params); err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, nil)
}

func (s *Server) handleCancel(req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[CancelParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	return NewSuccessResponse(req.ID, s.handler.HandleCancel(params))
}

func (s *Server) handleWatchStart(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[WatchParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := s.handler.HandleWatchStart(ctx, params); err != nil {
		return NewErrorResponse(req.ID, errorCode(err), err.Error())
	}
	return NewSuccessResponse(req.ID, nil)
}

func (s *Server) handleWatchStop(req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}
	params, err := decodeParams[WatchParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	return NewSuccessResponse(req.ID, s.handler.HandleWatchStop(params))
}

func (s *Server) handleStatus(ctx context.Context, req Request) Response {
	params, err := decodeParams[StatusParams](req)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	status := StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}

	if s.handler != nil {
		handlerStatus := s.handler.GetStatus(ctx, params.Workspace)
		status.Workspace = handlerStatus.Workspace
		status.Phase = handlerStatus.Phase
		status.Indexing = handlerStatus.Indexing
		status.Watching = handlerStatus.Watching
		status.LastIndexed = handlerStatus.LastIndexed
		status.Error = handlerStatus.Error
		status.Progress = handlerStatus.Progress
		status.FilesDone = handlerStatus.FilesDone
		status.FilesTotal = handlerStatus.FilesTotal
		status.CurrentFile = handlerStatus.CurrentFile
		status.Description = handlerStatus.Description
		status.ProtocolVersion = handlerStatus.ProtocolVersion
	}

	return NewSuccessResponse(req.ID, status)
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
