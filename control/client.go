package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls recorder.v1.Control.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Rotate asks the recorder to rotate before its next message.
func (c *Client) Rotate(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, RotateMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Status returns the recorder statistics as a generic map. Numbers are
// float64.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
