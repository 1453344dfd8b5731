package grpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"chat-service/internal/policy"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

var ErrInvalidToken = errors.New("invalid token")

// AuthClient wraps the auth-service gRPC connection.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// Dial opens an instrumented connection to the auth service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the JWT and returns the authenticated actor.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (policy.Actor, error) {
	var resp validateTokenResponse
	err := a.conn.Invoke(ctx, validateTokenMethod, &validateTokenRequest{Token: token}, &resp, grpc.ForceCodec(authCodec{}))
	if err != nil {
		return policy.Actor{}, err
	}
	if !resp.Valid || resp.UserID == 0 {
		return policy.Actor{}, ErrInvalidToken
	}
	return policy.Actor{ID: resp.UserID, Role: policy.NormalizeRole(resp.Role)}, nil
}
