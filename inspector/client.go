package inspector

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xiaonanln/canvasgov/governor"
)

// Client calls the inspector gRPC service and decodes its replies into the views of this package
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built with NewClient
}

// Dial connects to an inspector at addr without transport security
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create inspector client for %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client owns it
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out)
}

// Status returns the governor overview
func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var view StatusView
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return view, err
	}
	err := fromProto(out, &view)
	return view, err
}

// ListIsolated returns the ledger; reason is "", "auto" or "manual"
func (c *Client) ListIsolated(ctx context.Context, reason string) ([]governor.IsolationEntry, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, methodListIsolated, wrapperspb.String(reason), out); err != nil {
		return nil, err
	}
	var entries []governor.IsolationEntry
	err := fromProto(out, &entries)
	return entries, err
}

// Isolate force-isolates a node and returns its new status
func (c *Client) Isolate(ctx context.Context, id string) (governor.Status, error) {
	var st governor.Status
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodIsolate, wrapperspb.String(id), out); err != nil {
		return st, err
	}
	err := fromProto(out, &st)
	return st, err
}

// Restore force-restores a node; false means it was not isolated
func (c *Client) Restore(ctx context.Context, id string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, methodRestore, wrapperspb.String(id), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// RestoreAll restores every isolated node and returns how many were restored
func (c *Client) RestoreAll(ctx context.Context) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, methodRestoreAll, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// SetEnabled switches automatic isolation on or off
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (ConfigView, error) {
	return c.configCall(ctx, methodSetEnabled, wrapperspb.Bool(enabled))
}

// GetConfig returns the governor policy
func (c *Client) GetConfig(ctx context.Context) (ConfigView, error) {
	return c.configCall(ctx, methodGetConfig, &emptypb.Empty{})
}

// SetConfig applies a partial policy update
func (c *Client) SetConfig(ctx context.Context, req ConfigPatchRequest) (ConfigView, error) {
	in, err := toStruct(req)
	if err != nil {
		return ConfigView{}, err
	}
	return c.configCall(ctx, methodSetConfig, in)
}

func (c *Client) configCall(ctx context.Context, method string, in proto.Message) (ConfigView, error) {
	var view ConfigView
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return view, err
	}
	err := fromProto(out, &view)
	return view, err
}

// WatchEvents calls fn for every transition event until ctx is done, the
// server ends the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, fn func(governor.TransitionEvent) error) error {
	stream, err := c.cc.NewStream(ctx, &InspectorServiceDesc.Streams[0], fullMethod(methodWatchEvents))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var ev governor.TransitionEvent
		if err := fromProto(msg, &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
