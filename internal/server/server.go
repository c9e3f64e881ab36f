// ============================================================================
// clipflow Server - gRPC control surface
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the engine over gRPC as service clipflow.v1.Pipeline with
//          Submit, Get, List, Cancel and a server-streaming Watch.
//
// Wire format:
//   Every message is a google.protobuf.Struct holding the JSON form of the
//   domain types (types.Job, types.Event). Stubs are generated from
//   api/proto/v1/pipeline.proto and both ends share the codec in codec.go.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/ChuLiYu/clipflow/api/proto/v1"
	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/internal/controller"
	"github.com/ChuLiYu/clipflow/internal/intake"
	"github.com/ChuLiYu/clipflow/internal/jobmanager"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

var log = slog.Default()

// Engine is the part of the controller the server drives.
type Engine interface {
	Submit(ctx context.Context, sources []types.Source, mode types.Mode, opts controller.SubmitOptions) ([]types.JobID, error)
	Get(id types.JobID) (types.Job, error)
	List() []types.Job
	Cancel(id types.JobID) error
	Subscribe(buffer int) *bus.Subscription
	EventsSince(seq uint64) []types.Event
}

// SubmitRequest is the body of a Submit call. Text is scanned for links in
// addition to the explicit sources.
type SubmitRequest struct {
	Sources []types.Source `json:"sources,omitempty"`
	Text    string         `json:"text,omitempty"`
	Mode    types.Mode     `json:"mode"`
	APIKey  string         `json:"api_key,omitempty"`
}

// WatchRequest selects the events a Watch call streams. An empty JobID
// follows every job.
type WatchRequest struct {
	JobID types.JobID `json:"job_id,omitempty"`
	Since uint64      `json:"since,omitempty"`
}

type idRequest struct {
	ID types.JobID `json:"id"`
}

type submitResponse struct {
	JobIDs []types.JobID `json:"job_ids"`
}

type listResponse struct {
	Jobs []types.Job `json:"jobs"`
}

// Server implements pb.PipelineServer on top of an Engine.
type Server struct {
	pb.UnimplementedPipelineServer

	engine Engine
}

// NewServer creates a new gRPC service instance.
func NewServer(engine Engine) *Server {
	return &Server{engine: engine}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	pb.RegisterPipelineServer(g, s)
}

// NewGRPCServer returns a grpc.Server with the service and request logging installed.
func NewGRPCServer(engine Engine, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	g := grpc.NewServer(opts...)
	NewServer(engine).Register(g)
	return g
}

// Submit handles job submission from clients.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}

	sources := append([]types.Source(nil), req.Sources...)
	if req.Text != "" {
		for _, u := range intake.ExtractURLs(req.Text) {
			sources = append(sources, types.URLSource(u))
		}
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeArchive
	}

	ids, err := s.engine.Submit(ctx, sources, mode, controller.SubmitOptions{APIKey: req.APIKey})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(submitResponse{JobIDs: ids})
}

// Get returns one job.
func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	job, err := s.engine.Get(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(job)
}

// List returns every job in creation order.
func (s *Server) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return encode(listResponse{Jobs: s.engine.List()})
}

// Cancel requests cancellation of one job.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Cancel(req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Watch replays retained events after Since, then streams live ones. When a
// job is selected the stream ends after its terminal transition.
func (s *Server) Watch(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	if req.JobID != "" {
		if _, err := s.engine.Get(req.JobID); err != nil {
			return toStatus(err)
		}
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub := s.engine.Subscribe(0)
	defer sub.Close()

	last := req.Since
	send := func(ev types.Event) (done bool, err error) {
		if ev.Seq <= last {
			return false, nil
		}
		last = ev.Seq
		if req.JobID != "" && ev.JobID != req.JobID {
			return false, nil
		}
		msg, err := encode(ev)
		if err != nil {
			return false, err
		}
		if err := stream.Send(msg); err != nil {
			return false, err
		}
		return req.JobID != "" && ev.Kind == types.EventTransition && ev.To.IsTerminal(), nil
	}

	for _, ev := range s.engine.EventsSince(req.Since) {
		if done, err := send(ev); err != nil || done {
			return err
		}
	}
	if req.JobID != "" {
		// Terminal before the retained window covered it.
		if job, err := s.engine.Get(req.JobID); err == nil && job.State.IsTerminal() {
			return s.drain(sub, send)
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if done, err := send(ev); err != nil || done {
				return err
			}
		}
	}
}

// drain forwards whatever is already buffered on sub and returns.
func (s *Server) drain(sub *bus.Subscription, send func(types.Event) (bool, error)) error {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if done, err := send(ev); err != nil || done {
				return err
			}
		default:
			return nil
		}
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		log.Debug("rpc served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrUnknownMode),
		errors.Is(err, controller.ErrNoSources),
		errors.Is(err, controller.ErrInvalidSource):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrControllerStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
