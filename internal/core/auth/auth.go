// Package auth authenticates ext_proc callers by API key. Envoy attaches the
// key to every Process stream through the grpc_service initial_metadata.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataKey is the gRPC metadata entry holding the API key.
const MetadataKey = "x-api-key"

// healthPrefix exempts the gRPC health service.
const healthPrefix = "/grpc.health.v1.Health/"

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// keyIDKey is the context key for storing the authenticated key id.
const keyIDKey = contextKey("key_id")

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Accepted keys are held only as signatures under a per-process secret.
type Authenticator struct {
	secret  []byte
	digests map[string][]byte // key id -> signature of the full key
}

// NewAuthenticator accepts the given keys. Malformed keys and duplicate key
// ids are errors.
func NewAuthenticator(keys []string) (*Authenticator, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to create HMAC secret: %w", err)
	}

	a := &Authenticator{secret: secret, digests: make(map[string][]byte, len(keys))}
	for i, key := range keys {
		keyID, _, err := ParseAPIKey(key)
		if err != nil {
			return nil, fmt.Errorf("API key %d: %w", i+1, err)
		}
		if _, dup := a.digests[keyID]; dup {
			return nil, fmt.Errorf("API key %d: duplicate key id %s", i+1, keyID)
		}
		a.digests[keyID] = ComputeHMAC(secret, key)
	}
	return a, nil
}

// Authenticate validates API key and returns its key id on success.
func (a *Authenticator) Authenticate(apiKey string) (string, error) {
	keyID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	expected, ok := a.digests[keyID]
	if !ok {
		return "", ErrUnknownKey
	}
	if !VerifyHMAC(expected, ComputeHMAC(a.secret, apiKey)) {
		return "", ErrInvalidKey
	}
	return keyID, nil
}

// StreamInterceptor returns gRPC interceptor that authenticates streams.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(srv, ss)
		}

		keyID, err := a.authenticateContext(ss.Context())
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}

		// Inject key id into context for downstream handlers
		ctx := context.WithValue(ss.Context(), keyIDKey, keyID)
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *Authenticator) authenticateContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingKey
	}
	keys := md.Get(MetadataKey)
	if len(keys) == 0 {
		return "", ErrMissingKey
	}
	keyID, err := a.Authenticate(keys[0])
	if errors.Is(err, ErrInvalidKeyFormat) {
		return "", ErrInvalidKey
	}
	return keyID, err
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// KeyIDFromContext extracts the authenticated key id from context.
// Returns empty string if not found.
func KeyIDFromContext(ctx context.Context) string {
	if keyID, ok := ctx.Value(keyIDKey).(string); ok {
		return keyID
	}
	return ""
}
