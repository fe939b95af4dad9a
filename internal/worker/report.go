package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"hotplugd/internal/logging"
)

// Report keys carried in worker notifications.
const (
	KeyWatchAdd    = "INOTIFY_WATCH_ADD"
	KeyWatchRemove = "INOTIFY_WATCH_REMOVE"
	KeyTryAgain    = "TRY_AGAIN"
	KeyDone        = "DONE"
)

// NotifySocketEnv names the environment variable holding the notify socket path.
const NotifySocketEnv = "NOTIFY_SOCKET"

const maxReportSize = 4096

// ErrInvalidReport marks a datagram the manager could not interpret.
var ErrInvalidReport = errors.New("invalid worker report")

// Report is one notification from a worker about its current event.
type Report struct {
	WatchAdd    bool
	WatchRemove bool
	TryAgain    bool
	Done        bool
}

// Kind is the single meaning the manager acts on.
type Kind int

const (
	KindDone Kind = iota
	KindTryAgain
	KindWatchRemove
	KindWatchAdd
)

func (k Kind) String() string {
	switch k {
	case KindWatchAdd:
		return "watch_add"
	case KindWatchRemove:
		return "watch_remove"
	case KindTryAgain:
		return "try_again"
	default:
		return "done"
	}
}

// Kind resolves the report in precedence order: watch add, watch remove, try
// again, then done.
func (r Report) Kind() Kind {
	switch {
	case r.WatchAdd:
		return KindWatchAdd
	case r.WatchRemove:
		return KindWatchRemove
	case r.TryAgain:
		return KindTryAgain
	default:
		return KindDone
	}
}

// Encode renders the report as newline separated KEY=1 assignments.
func (r Report) Encode() []byte {
	var keys []string
	if r.WatchAdd {
		keys = append(keys, KeyWatchAdd+"=1")
	}
	if r.WatchRemove {
		keys = append(keys, KeyWatchRemove+"=1")
	}
	if r.TryAgain {
		keys = append(keys, KeyTryAgain+"=1")
	}
	if r.Done || len(keys) == 0 {
		keys = append(keys, KeyDone+"=1")
	}
	return []byte(strings.Join(keys, "\n") + "\n")
}

// ParseReport decodes a notification. Unknown keys are ignored; a message
// with no known key is invalid.
func ParseReport(data []byte) (Report, error) {
	var (
		r     Report
		known bool
	)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		key, value, ok := strings.Cut(strings.TrimSpace(string(line)), "=")
		if !ok {
			continue
		}
		set := value != "" && value != "0"
		switch key {
		case KeyWatchAdd:
			r.WatchAdd, known = set, true
		case KeyWatchRemove:
			r.WatchRemove, known = set, true
		case KeyTryAgain:
			r.TryAgain, known = set, true
		case KeyDone:
			r.Done, known = set, true
		}
	}
	if !known {
		return Report{}, fmt.Errorf("%w: no recognised keys", ErrInvalidReport)
	}
	return r, nil
}

// Message is a report together with the kernel-verified sender pid.
type Message struct {
	PID    int
	Report Report
}

// NotifyListener is the manager end of the notify socket.
type NotifyListener struct {
	conn *net.UnixConn
	path string
}

// ListenNotify binds a datagram socket at path with sender credentials enabled.
func ListenNotify(path string) (*NotifyListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale notify socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify socket: %w", err)
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify socket: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("enable SO_PASSCRED: %w", sockErr)
	}
	return &NotifyListener{conn: conn, path: path}, nil
}

// Path returns the socket path.
func (l *NotifyListener) Path() string {
	return l.path
}

// Receive reads one notification. Errors wrapping ErrInvalidReport concern
// only that datagram; any other error means the socket is unusable.
func (l *NotifyListener) Receive() (Message, error) {
	buf := make([]byte, maxReportSize)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	n, oobn, _, _, err := l.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, err
	}

	pid := 0
	if cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
		for i := range cmsgs {
			if cred, err := unix.ParseUnixCredentials(&cmsgs[i]); err == nil {
				pid = int(cred.Pid)
			}
		}
	}
	if pid <= 0 {
		return Message{}, fmt.Errorf("%w: missing sender credentials", ErrInvalidReport)
	}
	report, err := ParseReport(buf[:n])
	if err != nil {
		return Message{PID: pid}, err
	}
	return Message{PID: pid, Report: report}, nil
}

// Serve delivers messages to handle until ctx ends or the socket is closed.
// Invalid datagrams are logged and skipped.
func (l *NotifyListener) Serve(ctx context.Context, logger *slog.Logger, handle func(Message)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := l.Receive()
		switch {
		case err == nil:
			handle(msg)
		case errors.Is(err, ErrInvalidReport):
			logging.WarnWithContext(logger, "ignoring worker notification", "notify_invalid",
				logging.Int(logging.FieldWorkerPID, msg.PID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "only hotplugd workers should write to the notify socket"),
				logging.String(logging.FieldImpact, "message dropped"),
			)
		case errors.Is(err, net.ErrClosed):
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive notification: %w", err)
		}
	}
}

// Close closes the socket and removes its path.
func (l *NotifyListener) Close() error {
	err := l.conn.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Notifier is the worker end of the notify socket.
type Notifier struct {
	conn *net.UnixConn
}

// DialNotify connects to the manager's notify socket.
func DialNotify(path string) (*Notifier, error) {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("dial notify socket: %w", err)
	}
	return &Notifier{conn: conn}, nil
}

// Notify sends one report.
func (n *Notifier) Notify(r Report) error {
	if _, err := n.conn.Write(r.Encode()); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}

// Close closes the connection.
func (n *Notifier) Close() error {
	return n.conn.Close()
}
