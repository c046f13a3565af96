package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls MirrorServer methods over a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes the unary method with req as the request fields and returns
// the response fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

var watchDesc = &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// Watch streams events under namespace to fn until ctx ends, the stream
// fails, or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, watchDesc, fullMethod("WatchEvents"))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
