package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/ChuLiYu/clipflow/api/proto/v1"
	"github.com/ChuLiYu/clipflow/internal/jobmanager"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// Client talks to a running clipflow engine.
type Client struct {
	rpc  pb.PipelineClient
	conn *grpc.ClientConn // set when the client owns the connection
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{rpc: pb.NewPipelineClient(conn), conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{rpc: pb.NewPipelineClient(cc)}
}

// Close releases the connection if Dial created it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Submit creates jobs and returns their ids.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) ([]types.JobID, error) {
	var resp submitResponse
	if err := c.call(ctx, c.rpc.Submit, req, &resp); err != nil {
		return nil, err
	}
	return resp.JobIDs, nil
}

// Get fetches one job.
func (c *Client) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, c.rpc.Get, idRequest{ID: id}, &job)
	return job, err
}

// List fetches all jobs.
func (c *Client) List(ctx context.Context) ([]types.Job, error) {
	var resp listResponse
	if err := c.call(ctx, c.rpc.List, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id types.JobID) error {
	return c.call(ctx, c.rpc.Cancel, idRequest{ID: id}, nil)
}

// Watch streams events to fn until the server ends the stream, ctx is
// done, or fn returns an error.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(types.Event) error) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	stream, err := c.rpc.Watch(ctx, in)
	if err != nil {
		return fromStatus(err)
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
		var ev types.Event
		if err := decode(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

type unaryCall func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error)

func (c *Client) call(ctx context.Context, method unaryCall, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out, err := method(ctx, in)
	if err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

// fromStatus restores sentinel errors callers can match with errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.NotFound {
		return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, st.Message())
	}
	return err
}
