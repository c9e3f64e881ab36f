package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/ChuLiYu/clipflow/api/proto/v1"
	"github.com/ChuLiYu/clipflow/internal/bus"
	"github.com/ChuLiYu/clipflow/internal/controller"
	"github.com/ChuLiYu/clipflow/internal/jobmanager"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func stage(name string, fn pipeline.ExecutorFunc) pipeline.Stage {
	return pipeline.Stage{Name: name, Executor: fn, Timeout: 2 * time.Second, BackoffBase: time.Millisecond}
}

func ok(name string) pipeline.ExecutorFunc {
	return func(ctx context.Context, in pipeline.Input) (string, error) {
		return name + ":" + in.Source.String(), nil
	}
}

// newTestEngine returns a started controller whose archive pipeline runs
// download then package. gate, when non-nil, holds the download stage open.
func newTestEngine(t *testing.T, gate chan struct{}) *controller.Controller {
	t.Helper()

	download := ok("download")
	if gate != nil {
		download = func(ctx context.Context, in pipeline.Input) (string, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", pipeline.Transient(ctx.Err())
			}
			return "media", nil
		}
	}
	archive, err := pipeline.NewDefinition(types.ModeArchive,
		stage(pipeline.StageDownload, download),
		stage(pipeline.StagePackage, ok("package")),
	)
	require.NoError(t, err)

	ctrl, err := controller.NewController(
		controller.Config{WorkerCount: 2, EventBuffer: 256, PollInterval: 10 * time.Millisecond},
		pipeline.Registry{types.ModeArchive: archive},
		jobmanager.NewJobManager(),
		bus.New(bus.WithHistory(1000)),
	)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)
	return ctrl
}

// dialBufconn serves engine on an in-memory listener and returns a client.
func dialBufconn(t *testing.T, engine Engine) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(engine)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// Tests
// ============================================================================

func TestSubmitGetList(t *testing.T) {
	ctrl := newTestEngine(t, nil)
	client := dialBufconn(t, ctrl)
	ctx := testContext(t)

	ids, err := client.Submit(ctx, SubmitRequest{
		Text: "watch https://example.com/a.mp4, and https://example.com/b.mp4.",
		Mode: types.ModeArchive,
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		job, err := ctrl.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StateSucceeded, job.State)
	}

	job, err := client.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], job.ID)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.Equal(t, "https://example.com/a.mp4", job.Source.URL)
	assert.Equal(t, 2, job.StageCount)
	require.Len(t, job.Artifacts, 2)
	assert.Equal(t, "package:https://example.com/a.mp4", job.Artifacts[1].Value)
	assert.False(t, job.CreatedAt.IsZero())

	jobs, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[1], jobs[1].ID)
}

func TestSubmitErrorsMapToStatus(t *testing.T) {
	client := dialBufconn(t, newTestEngine(t, nil))
	ctx := testContext(t)

	_, err := client.Submit(ctx, SubmitRequest{Mode: types.ModeArchive})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Submit(ctx, SubmitRequest{Text: "https://x.com/v.mp4", Mode: "remix"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Get(ctx, "missing")
	assert.True(t, errors.Is(err, jobmanager.ErrJobNotFound))

	err = client.Cancel(ctx, "missing")
	assert.True(t, errors.Is(err, jobmanager.ErrJobNotFound))
}

func TestCancelAndWatch(t *testing.T) {
	gate := make(chan struct{})
	ctrl := newTestEngine(t, gate)
	client := dialBufconn(t, ctrl)
	ctx := testContext(t)

	ids, err := client.Submit(ctx, SubmitRequest{
		Sources: []types.Source{types.URLSource("https://example.com/c.mp4")},
	})
	require.NoError(t, err)
	id := ids[0]

	require.NoError(t, client.Cancel(ctx, id))
	close(gate)

	var events []types.Event
	err = client.Watch(ctx, WatchRequest{JobID: id}, func(ev types.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, types.EventTransition, last.Kind)
	assert.Equal(t, types.StateCancelled, last.To)
	for i, ev := range events {
		assert.Equal(t, id, ev.JobID)
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
}

func TestWatchSinceSkipsOlderEvents(t *testing.T) {
	ctrl := newTestEngine(t, nil)
	client := dialBufconn(t, ctrl)
	ctx := testContext(t)

	ids, err := client.Submit(ctx, SubmitRequest{Text: "https://example.com/d.mp4", Mode: types.ModeArchive})
	require.NoError(t, err)
	_, err = ctrl.Wait(ctx, ids[0])
	require.NoError(t, err)

	all := ctrl.EventsSince(0)
	require.Greater(t, len(all), 2)
	since := all[1].Seq

	var got []types.Event
	err = client.Watch(ctx, WatchRequest{JobID: ids[0], Since: since}, func(ev types.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Greater(t, got[0].Seq, since)
	assert.Equal(t, types.StateSucceeded, got[len(got)-1].To)
}

func TestWatchUnknownJob(t *testing.T) {
	client := dialBufconn(t, newTestEngine(t, nil))
	err := client.Watch(testContext(t), WatchRequest{JobID: "nope"}, func(types.Event) error { return nil })
	assert.True(t, errors.Is(err, jobmanager.ErrJobNotFound))
}

func TestWatchCallbackErrorStopsStream(t *testing.T) {
	ctrl := newTestEngine(t, nil)
	client := dialBufconn(t, ctrl)
	ctx := testContext(t)

	ids, err := client.Submit(ctx, SubmitRequest{Text: "https://example.com/e.mp4"})
	require.NoError(t, err)
	_, err = ctrl.Wait(ctx, ids[0])
	require.NoError(t, err)

	stop := errors.New("enough")
	err = client.Watch(ctx, WatchRequest{JobID: ids[0]}, func(types.Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestServiceRegisteredFromProto(t *testing.T) {
	g := NewGRPCServer(newTestEngine(t, nil))
	t.Cleanup(g.Stop)

	info, found := g.GetServiceInfo()[pb.Pipeline_ServiceDesc.ServiceName]
	require.True(t, found)
	assert.Equal(t, "pipeline.proto", info.Metadata)

	var names []string
	for _, m := range info.Methods {
		names = append(names, m.Name)
		if m.Name == "Watch" {
			assert.True(t, m.IsServerStream)
		}
	}
	assert.ElementsMatch(t, []string{"Submit", "Get", "List", "Cancel", "Watch"}, names)
}

func TestRawStubSharesCodec(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(newTestEngine(t, nil))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	in, err := encode(idRequest{ID: "missing"})
	require.NoError(t, err)
	_, err = pb.NewPipelineClient(conn).Get(testContext(t), in)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
