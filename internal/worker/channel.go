package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"hotplugd/internal/device"
)

const maxDeviceMessage = 256 << 10

// Channel carries devices from the manager to one worker over a
// SOCK_SEQPACKET socket pair; one packet holds one JSON-encoded device.
type Channel struct {
	conn    *net.UnixConn
	timeout time.Duration
}

// NewChannelPair creates a connected pair. The returned file is the worker end
// and must be passed to the child and then closed by the caller.
func NewChannelPair(sendTimeout time.Duration) (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "worker-channel")
	childFile := os.NewFile(uintptr(fds[1]), "worker-channel-child")

	ch, err := OpenChannel(parentFile, sendTimeout)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, nil, err
	}
	return ch, childFile, nil
}

// OpenChannel wraps an inherited socket. The file may be closed afterwards.
func OpenChannel(f *os.File, sendTimeout time.Duration) (*Channel, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap channel: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("wrap channel: unexpected connection type %T", conn)
	}
	return &Channel{conn: uc, timeout: sendTimeout}, nil
}

// Send writes one device. It fails rather than blocking past the send timeout.
func (c *Channel) Send(dev *device.Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}
	if len(data) > maxDeviceMessage {
		return fmt.Errorf("encode device: message of %d bytes exceeds limit", len(data))
	}
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send device: %w", err)
	}
	return nil
}

// Receive blocks for the next device. It returns io.EOF once the manager
// closes its end.
func (c *Channel) Receive() (*device.Device, error) {
	buf := make([]byte, maxDeviceMessage)
	n, err := c.conn.Read(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	var dev device.Device
	if err := json.Unmarshal(buf[:n], &dev); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &dev, nil
}

// Close closes this end of the pair.
func (c *Channel) Close() error {
	return c.conn.Close()
}
