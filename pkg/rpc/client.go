package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"

	"sync-scheduler/pkg/scheduler"
)

// Client talks to a daemon's /rpc endpoint.
type Client struct {
	cli *jrpc2.Client
}

// Dial connects to url (ws:// or wss://). onConnectivity, when set, receives pushed
// connectivity transitions.
func Dial(ctx context.Context, url string, onConnectivity func(ConnectivityNotification)) (*Client, error) {
	conn, _, err := cws.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	opts := &jrpc2.ClientOptions{}
	if onConnectivity != nil {
		opts.OnNotify = func(req *jrpc2.Request) {
			if req.Method() != ConnectivityChanged {
				return
			}
			var n ConnectivityNotification
			if err := req.UnmarshalParams(&n); err == nil {
				onConnectivity(n)
			}
		}
	}
	ch := &wsChannel{conn: conn, ctx: context.Background()}
	return &Client{cli: jrpc2.NewClient(ch, opts)}, nil
}

func (c *Client) Trigger(ctx context.Context, params map[string]string) (string, error) {
	var res TriggerResult
	if err := c.cli.CallResult(ctx, "sync.trigger", TriggerParams{Params: params}, &res); err != nil {
		return "", err
	}
	return res.Result, nil
}

func (c *Client) Status(ctx context.Context) (scheduler.Status, error) {
	var st scheduler.Status
	err := c.cli.CallResult(ctx, "sync.status", nil, &st)
	return st, err
}

func (c *Client) Connectivity(ctx context.Context) (ConnectivityResult, error) {
	var res ConnectivityResult
	err := c.cli.CallResult(ctx, "connectivity.get", nil, &res)
	return res, err
}

// Raw calls method and returns the undecoded result.
func (c *Client) Raw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.cli.CallResult(ctx, method, params, &out)
	return out, err
}

func (c *Client) Close() error {
	return c.cli.Close()
}
