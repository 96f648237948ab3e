package proto

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
)

type mockController struct {
	quits  atomic.Int32
	status map[string]any
}

func (m *mockController) Quit() { m.quits.Add(1) }

func (m *mockController) Snapshot() map[string]any {
	return map[string]any{"name": "yarpOpenPose", "num_gpu": 1, "alpha_pose": 0.6}
}

func (m *mockController) Status() map[string]any { return m.status }

func dial(t *testing.T, ctl Controller) ControlClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := Serve(lis, ctl, zap.NewNop())
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewControlClient(conn)
}

func TestControlService(t *testing.T) {
	ctl := &mockController{status: map[string]any{"state": "running", "cycles": uint64(12)}}
	client := dial(t, ctl)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("GetConfig", func(t *testing.T) {
		cfg, err := client.GetConfig(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		m := cfg.AsMap()
		assert.Equal(t, "yarpOpenPose", m["name"])
		assert.Equal(t, float64(1), m["num_gpu"])
		assert.Equal(t, 0.6, m["alpha_pose"])
	})

	t.Run("GetState", func(t *testing.T) {
		st, err := client.GetState(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		assert.Equal(t, "running", st.AsMap()["state"])
		assert.Equal(t, float64(12), st.AsMap()["cycles"])
	})

	t.Run("Quit", func(t *testing.T) {
		_, err := client.Quit(ctx, &emptypb.Empty{})
		require.NoError(t, err)
		assert.Equal(t, int32(1), ctl.quits.Load())
	})
}

func TestControlServiceBadStatus(t *testing.T) {
	ctl := &mockController{status: map[string]any{"since": time.Second}}
	client := dial(t, ctl)

	_, err := client.GetState(context.Background(), &emptypb.Empty{})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}
