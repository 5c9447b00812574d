package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func mustKey(t *testing.T) string {
	t.Helper()
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	return key
}

func TestParseAPIKey(t *testing.T) {
	id := strings.Repeat("a", 32)
	random := strings.Repeat("0", 64)

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", FormatAPIKey(id, random), false},
		{"wrong prefix", "tk-v1-" + id + "-" + random, true},
		{"wrong version", "sbi-v2-" + id + "-" + random, true},
		{"short id", FormatAPIKey(id[:31], random), true},
		{"short random", FormatAPIKey(id, random[:63]), true},
		{"upper case hex", FormatAPIKey(strings.ToUpper(id), random), true},
		{"extra part", FormatAPIKey(id, random) + "-x", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotRandom, err := ParseAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKeyFormat) {
					t.Errorf("error = %v, want ErrInvalidKeyFormat", err)
				}
				return
			}
			if gotID != id || gotRandom != random {
				t.Errorf("ParseAPIKey() = %q, %q", gotID, gotRandom)
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, b := mustKey(t), mustKey(t)
	if a == b {
		t.Error("generated keys are equal")
	}
	if _, _, err := ParseAPIKey(a); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	key := mustKey(t)
	a, err := NewAuthenticator([]string{key})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	keyID, err := a.Authenticate(key)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if want, _, _ := ParseAPIKey(key); keyID != want {
		t.Errorf("key id = %q, want %q", keyID, want)
	}

	// same id, different random part
	id, _, _ := ParseAPIKey(key)
	forged := FormatAPIKey(id, strings.Repeat("f", 64))
	if _, err := a.Authenticate(forged); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("forged key error = %v, want ErrInvalidKey", err)
	}
	if _, err := a.Authenticate(mustKey(t)); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("unknown key error = %v, want ErrUnknownKey", err)
	}
}

func TestNewAuthenticatorRejects(t *testing.T) {
	key := mustKey(t)
	if _, err := NewAuthenticator([]string{"not-a-key"}); err == nil {
		t.Error("expected error for malformed key")
	}
	if _, err := NewAuthenticator([]string{key, key}); err == nil {
		t.Error("expected error for duplicate key id")
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func TestStreamInterceptor(t *testing.T) {
	key := mustKey(t)
	a, err := NewAuthenticator([]string{key})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	intercept := a.StreamInterceptor()
	process := &grpc.StreamServerInfo{FullMethod: "/envoy.service.ext_proc.v3.ExternalProcessor/Process"}

	call := func(info *grpc.StreamServerInfo, md metadata.MD) (string, error) {
		ctx := context.Background()
		if md != nil {
			ctx = metadata.NewIncomingContext(ctx, md)
		}
		var seen string
		err := intercept(nil, &fakeStream{ctx: ctx}, info, func(_ any, ss grpc.ServerStream) error {
			seen = KeyIDFromContext(ss.Context())
			return nil
		})
		return seen, err
	}

	wantID, _, _ := ParseAPIKey(key)
	if got, err := call(process, metadata.Pairs(MetadataKey, key)); err != nil || got != wantID {
		t.Errorf("valid key: id %q, error %v", got, err)
	}

	for name, md := range map[string]metadata.MD{
		"no metadata": nil,
		"missing key": metadata.Pairs("other", "x"),
		"bad format":  metadata.Pairs(MetadataKey, "garbage"),
		"unknown key": metadata.Pairs(MetadataKey, mustKey(t)),
	} {
		if _, err := call(process, md); status.Code(err) != codes.Unauthenticated {
			t.Errorf("%s: code = %v, want Unauthenticated", name, status.Code(err))
		}
	}

	health := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}
	if _, err := call(health, nil); err != nil {
		t.Errorf("health watch rejected: %v", err)
	}
}
