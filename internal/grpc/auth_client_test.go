package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"chat-service/internal/policy"
)

var tokens = map[string]validateTokenResponse{
	"client-token": {Valid: true, UserID: 7, Role: "client"},
	"admin-token":  {Valid: true, UserID: 99, Role: "admin"},
	"odd-role":     {Valid: true, UserID: 5, Role: "superuser"},
	"expired":      {Valid: false},
}

func startAuthServer(t *testing.T) *AuthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ForceServerCodec(authCodec{}),
		grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(stream)
			if method != validateTokenMethod {
				return status.Error(codes.Unimplemented, method)
			}
			var req validateTokenRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			resp := tokens[req.Token]
			return stream.SendMsg(&resp)
		}),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewAuthClient(conn)
}

func TestValidateTokenResolvesActor(t *testing.T) {
	client := startAuthServer(t)
	ctx := context.Background()

	actor, err := client.ValidateToken(ctx, "client-token")
	require.NoError(t, err)
	assert.Equal(t, policy.Actor{ID: 7, Role: policy.RoleClient}, actor)

	actor, err = client.ValidateToken(ctx, "admin-token")
	require.NoError(t, err)
	assert.Equal(t, policy.Actor{ID: 99, Role: policy.RoleAdmin}, actor)

	actor, err = client.ValidateToken(ctx, "odd-role")
	require.NoError(t, err)
	assert.Equal(t, policy.RoleClient, actor.Role)
}

func TestValidateTokenRejectsInvalid(t *testing.T) {
	client := startAuthServer(t)

	_, err := client.ValidateToken(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = client.ValidateToken(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthCodecRoundTrip(t *testing.T) {
	codec := authCodec{}
	in := validateTokenResponse{Valid: true, UserID: 1 << 40, Role: "admin"}

	b, err := codec.Marshal(&in)
	require.NoError(t, err)
	var out validateTokenResponse
	require.NoError(t, codec.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	_, err = codec.Marshal("nope")
	assert.Error(t, err)
}
