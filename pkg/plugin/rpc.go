package plugin

import (
	"context"
	"errors"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake verifies that an external plugin executable and the host speak
// the same protocol generation
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  2,
	MagicCookieKey:   "GRIMOIRE_PLUGIN",
	MagicCookieValue: "grimoire-plugin-system-v2",
}

// PluginMap is the map of plugin implementations the host can dispense
var PluginMap = map[string]goplugin.Plugin{
	"plugin": &RPCPlugin{},
}

// RPCPlugin is the go-plugin glue for the Plugin contract
type RPCPlugin struct {
	Impl Plugin
}

func (p *RPCPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *RPCPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCServer runs inside the plugin process and serves the host's calls
type RPCServer struct {
	Impl Plugin
}

// DescribeResp carries plugin metadata across the process boundary
type DescribeResp struct {
	Metadata Metadata
}

func (s *RPCServer) Describe(args interface{}, resp *DescribeResp) error {
	resp.Metadata = s.Impl.Describe()
	return nil
}

// ActivateArgs are the arguments for the Activate call
type ActivateArgs struct {
	Config map[string]any
}

// ErrResp carries an error string; the empty string means success
type ErrResp struct {
	Err string
}

func (s *RPCServer) Activate(args *ActivateArgs, resp *ErrResp) error {
	if err := s.Impl.Activate(context.Background(), args.Config); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *RPCServer) Deactivate(args interface{}, resp *ErrResp) error {
	if err := s.Impl.Deactivate(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// InvokeArgs are the arguments for the Invoke call
type InvokeArgs struct {
	Op     string
	Params map[string]any
}

// InvokeResp is the response for the Invoke call
type InvokeResp struct {
	Result map[string]any
	Err    string
}

func (s *RPCServer) Invoke(args *InvokeArgs, resp *InvokeResp) error {
	result, err := s.Impl.Invoke(context.Background(), args.Op, args.Params)
	resp.Result = result
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// RPCClient is the host-side Plugin implementation backed by a subprocess
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Describe() Metadata {
	var resp DescribeResp
	if err := c.client.Call("Plugin.Describe", new(interface{}), &resp); err != nil {
		return Metadata{}
	}
	return resp.Metadata
}

func (c *RPCClient) Activate(ctx context.Context, config map[string]any) error {
	var resp ErrResp
	if err := c.client.Call("Plugin.Activate", &ActivateArgs{Config: config}, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *RPCClient) Deactivate(ctx context.Context) error {
	var resp ErrResp
	if err := c.client.Call("Plugin.Deactivate", new(interface{}), &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *RPCClient) Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error) {
	var resp InvokeResp
	if err := c.client.Call("Plugin.Invoke", &InvokeArgs{Op: op, Params: params}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return resp.Result, nil
}

// Serve is called from a plugin executable's main to serve the contract
func Serve(impl Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			"plugin": &RPCPlugin{Impl: impl},
		},
	})
}
