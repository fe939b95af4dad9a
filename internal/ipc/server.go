package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sort"
	"sync"
	"time"

	"hotplugd/internal/daemon"
	"hotplugd/internal/device"
	"hotplugd/internal/history"
	"hotplugd/internal/logging"
	"hotplugd/internal/logs"
)

// callTimeout bounds how long a request waits on the manager loop.
const callTimeout = 10 * time.Second

// Backend is the daemon surface served over the socket.
type Backend interface {
	Status(ctx context.Context) (daemon.Status, error)
	History(ctx context.Context, opts history.ListOptions) ([]history.Record, error)
	HistoryStats(ctx context.Context) (map[device.Outcome]int, error)
	Reload(ctx context.Context, force bool) error
	Exit() error
	SetChildrenMax(ctx context.Context, n int) error
	StopExecQueue(ctx context.Context) error
	StartExecQueue(ctx context.Context) error
}

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer listens on the socket path, replacing a stale socket file.
// logPath is the JSON log served to LogTail; empty disables it.
func NewServer(ctx context.Context, path string, backend Backend, logPath string, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("ipc server requires a backend")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{backend: backend, logger: logger, ctx: serverCtx, logPath: logPath}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until Close is called.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "control clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Open client
// connections finish their current request and are then dropped.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale control socket left behind"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	backend Backend
	logger  *slog.Logger
	ctx     context.Context
	logPath string
}

func (s *service) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, callTimeout)
}

func (s *service) Ping(_ PingRequest, resp *PingResponse) error {
	resp.PID = os.Getpid()
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, cancel := s.callCtx()
	defer cancel()
	status, err := s.backend.Status(ctx)
	if err != nil {
		return err
	}
	resp.Status = status
	return nil
}

func (s *service) Reload(req ReloadRequest, resp *ReloadResponse) error {
	ctx, cancel := s.callCtx()
	defer cancel()
	if err := s.backend.Reload(ctx, req.Force); err != nil {
		return err
	}
	resp.Reloaded = true
	s.logger.Info("reload requested via IPC",
		logging.String(logging.FieldEventType, "ipc_reload"),
		logging.Bool("forced", req.Force))
	return nil
}

func (s *service) Exit(_ ExitRequest, resp *ExitResponse) error {
	if err := s.backend.Exit(); err != nil {
		return err
	}
	resp.Exiting = true
	s.logger.Info("exit requested via IPC", logging.String(logging.FieldEventType, "ipc_exit"))
	return nil
}

func (s *service) ExecQueue(req ExecQueueRequest, resp *ExecQueueResponse) error {
	ctx, cancel := s.callCtx()
	defer cancel()
	var err error
	if req.Stop {
		err = s.backend.StopExecQueue(ctx)
	} else {
		err = s.backend.StartExecQueue(ctx)
	}
	if err != nil {
		return err
	}
	resp.Stopped = req.Stop
	return nil
}

func (s *service) ChildrenMax(req ChildrenMaxRequest, resp *ChildrenMaxResponse) error {
	ctx, cancel := s.callCtx()
	defer cancel()
	if err := s.backend.SetChildrenMax(ctx, req.Max); err != nil {
		return err
	}
	resp.Max = req.Max
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	ctx, cancel := s.callCtx()
	defer cancel()
	opts := history.ListOptions{Limit: req.Limit}
	for _, o := range req.Outcomes {
		opts.Outcomes = append(opts.Outcomes, device.Outcome(o))
	}
	records, err := s.backend.History(ctx, opts)
	if err != nil {
		return err
	}
	stats, err := s.backend.HistoryStats(ctx)
	if err != nil {
		return err
	}
	resp.Records = records
	resp.Totals = make(map[string]int, len(stats))
	for outcome, n := range stats {
		resp.Totals[string(outcome)] = n
	}
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	if s.logPath == "" {
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	opts := logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	}
	if len(req.Fields) > 0 {
		opts.Match = logs.MatchFields(req.Fields)
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, s.logPath, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

// SortedOutcomes returns the outcome names of totals in a stable order.
func SortedOutcomes(totals map[string]int) []string {
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
