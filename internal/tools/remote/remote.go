// Package remote federates a tools.Registry across a process boundary over
// gRPC, mirroring the client/server split of goa-ai's runtime/toolregistry
// provider loop (there, tool calls travel over a Pulse stream; here, over a
// direct gRPC channel). Rather than generate message types from a .proto
// file, requests and results are carried as JSON inside
// google.golang.org/protobuf's wrapperspb.BytesValue, and the service itself
// is registered by hand as a grpc.ServiceDesc — the same technique generic
// gRPC proxies use to avoid depending on generated stubs.
package remote

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/taskgraph/orchestrator/internal/orcherr"
	"github.com/taskgraph/orchestrator/internal/tools"
)

const serviceName = "orchestrator.tools.ToolRegistry"

// ServiceDesc is the hand-written gRPC service descriptor for the remote
// tool registry. Server exposes it via grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*tools.Registry)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "List", Handler: listHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/tools/remote/remote.go",
}

type invokeRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type invokeResponse struct {
	Result tools.Result `json:"result"`
}

type listResponse struct {
	Descriptors []tools.Descriptor `json:"descriptors"`
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	reg := srv.(tools.Registry)
	req := new(wrapperspb.BytesValue)
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, _ any) (any, error) {
		descs, err := reg.List(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(listResponse{Descriptors: descs})
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(payload), nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/List"}
	return interceptor(ctx, req, info, run)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	reg := srv.(tools.Registry)
	wire := new(wrapperspb.BytesValue)
	if err := dec(wire); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, in any) (any, error) {
		w := in.(*wrapperspb.BytesValue)
		var req invokeRequest
		if err := json.Unmarshal(w.GetValue(), &req); err != nil {
			return nil, orcherr.Validation("invalid_request", "malformed tool invocation payload")
		}
		res, err := reg.Invoke(ctx, req.Name, req.Args)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(invokeResponse{Result: res})
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(payload), nil
	}
	if interceptor == nil {
		return run(ctx, wire)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Invoke"}
	return interceptor(ctx, wire, info, run)
}

// Register attaches a local tools.Registry to a grpc.Server so remote
// clients can federate against it.
func Register(s *grpc.Server, reg tools.Registry) {
	s.RegisterService(&ServiceDesc, reg)
}

// Client is a tools.Registry backed by a remote gRPC-served registry.
type Client struct {
	cc *grpc.ClientConn
}

var _ tools.Registry = (*Client)(nil)

// NewClient wraps an established gRPC client connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) List(ctx context.Context) ([]tools.Descriptor, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/List", wrapperspb.Bytes(nil), out); err != nil {
		return nil, orcherr.New(orcherr.KindBackendTransient, "remote_tools_unavailable", "remote tool registry list failed", err)
	}
	var resp listResponse
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, orcherr.New(orcherr.KindBackendPermanent, "malformed_response", "remote tool registry returned malformed list", err)
	}
	return resp.Descriptors, nil
}

func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	payload, err := json.Marshal(invokeRequest{Name: name, Args: args})
	if err != nil {
		return tools.Result{}, orcherr.Validation("invalid_request", "could not encode tool arguments")
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Invoke", wrapperspb.Bytes(payload), out); err != nil {
		if ctx.Err() != nil {
			return tools.Result{}, orcherr.New(orcherr.KindCancelled, "cancelled", "remote tool invocation cancelled", ctx.Err())
		}
		return tools.Result{}, orcherr.New(orcherr.KindBackendTransient, "remote_tools_unavailable", "remote tool invocation failed", err)
	}
	var resp invokeResponse
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return tools.Result{}, orcherr.New(orcherr.KindBackendPermanent, "malformed_response", "remote tool registry returned malformed result", err)
	}
	return resp.Result, nil
}
