package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func call[Req, Resp any](c *Client, method string, req Req) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping checks that the daemon is answering.
func (c *Client) Ping() (*PingResponse, error) {
	return call[PingRequest, PingResponse](c, "Ping", PingRequest{})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusRequest, StatusResponse](c, "Status", StatusRequest{})
}

// Reload asks the daemon to reload configuration and rules.
func (c *Client) Reload(force bool) (*ReloadResponse, error) {
	return call[ReloadRequest, ReloadResponse](c, "Reload", ReloadRequest{Force: force})
}

// Exit asks the daemon to shut down gracefully.
func (c *Client) Exit() (*ExitResponse, error) {
	return call[ExitRequest, ExitResponse](c, "Exit", ExitRequest{})
}

// StopExecQueue pauses event dispatching.
func (c *Client) StopExecQueue() (*ExecQueueResponse, error) {
	return call[ExecQueueRequest, ExecQueueResponse](c, "ExecQueue", ExecQueueRequest{Stop: true})
}

// StartExecQueue resumes event dispatching.
func (c *Client) StartExecQueue() (*ExecQueueResponse, error) {
	return call[ExecQueueRequest, ExecQueueResponse](c, "ExecQueue", ExecQueueRequest{Stop: false})
}

// SetChildrenMax changes the worker ceiling.
func (c *Client) SetChildrenMax(n int) (*ChildrenMaxResponse, error) {
	return call[ChildrenMaxRequest, ChildrenMaxResponse](c, "ChildrenMax", ChildrenMaxRequest{Max: n})
}

// History lists recorded event outcomes.
func (c *Client) History(req HistoryRequest) (*HistoryResponse, error) {
	return call[HistoryRequest, HistoryResponse](c, "History", req)
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return call[LogTailRequest, LogTailResponse](c, "LogTail", req)
}
