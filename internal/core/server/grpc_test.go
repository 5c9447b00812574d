package server

import (
	"context"
	"net"
	"testing"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/consultant-1379/sc-envoy-sub001/internal/core/auth"
	"github.com/consultant-1379/sc-envoy-sub001/internal/core/config"
)

func startBufServer(t *testing.T, authenticator *auth.Authenticator) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	cfg := config.ServerConfig{ListenAddr: "bufconn", ShutdownTimeout: 5 * time.Second}
	srv, err := NewGRPCServer(cfg, newTestServer(t, nil), authenticator, zaptest.NewLogger(t))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func TestNewGRPCServer_Validation(t *testing.T) {
	_, err := NewGRPCServer(config.ServerConfig{ListenAddr: ":0"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewGRPCServer(config.ServerConfig{}, newTestServer(t, nil), nil, nil)
	assert.Error(t, err)
}

func TestGRPCServer_HealthAndProcess(t *testing.T) {
	srv, conn := startBufServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, hc.GetStatus())

	stream, err := extprocv3.NewExternalProcessorClient(conn).Process(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(requestHeaders(true)))
	resp, err := stream.Recv()
	require.NoError(t, err)

	set := setHeaderValues(resp.GetRequestHeaders().GetResponse().GetHeaderMutation())
	assert.Equal(t, []string{"ext"}, set["x-screened"])
	require.NoError(t, stream.CloseSend())

	require.NoError(t, srv.Shutdown(ctx))
}

func TestGRPCServer_Authentication(t *testing.T) {
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator([]string{key})
	require.NoError(t, err)

	_, conn := startBufServer(t, authenticator)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// health checks need no key
	_, err = grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)

	client := extprocv3.NewExternalProcessorClient(conn)

	stream, err := client.Process(ctx)
	require.NoError(t, err)
	_ = stream.Send(requestHeaders(true))
	_, err = stream.Recv()
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	stream, err = client.Process(metadata.AppendToOutgoingContext(ctx, auth.MetadataKey, key))
	require.NoError(t, err)
	require.NoError(t, stream.Send(requestHeaders(true)))
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.NotNil(t, resp.GetRequestHeaders())
	require.NoError(t, stream.CloseSend())
}

func TestGRPCServer_StartBindError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := config.ServerConfig{ListenAddr: lis.Addr().String()}
	srv, err := NewGRPCServer(cfg, newTestServer(t, nil), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, srv.Start(context.Background()))
}
