package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Chat.RateLimitQuota)
	require.Equal(t, 24*time.Hour, cfg.Chat.RateLimitWindow)
	require.Equal(t, "redis", cfg.Chat.RateLimitBackend)
	require.Equal(t, "chat:conversation:", cfg.Realtime.ChannelPrefix)
	require.Equal(t, int64(10<<20), cfg.Chat.MaxAttachmentBytes)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CHAT_RATE_LIMIT_QUOTA", "5")
	t.Setenv("CHAT_RATE_LIMIT_WINDOW", "1m")
	t.Setenv("RATE_LIMIT_BACKEND", "memory")
	t.Setenv("STORAGE_USE_PATH_STYLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Chat.RateLimitQuota)
	require.Equal(t, time.Minute, cfg.Chat.RateLimitWindow)
	require.Equal(t, "memory", cfg.Chat.RateLimitBackend)
	require.True(t, cfg.Storage.UsePathStyle)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": "", "JWT_SECRET_PARAM": ""}},
		{"zero quota", map[string]string{"JWT_SECRET": "x", "CHAT_RATE_LIMIT_QUOTA": "0"}},
		{"zero body length", map[string]string{"JWT_SECRET": "x", "CHAT_MAX_BODY_LENGTH": "0"}},
		{"negative attachments", map[string]string{"JWT_SECRET": "x", "CHAT_MAX_ATTACHMENTS": "-1"}},
		{"zero attachment size", map[string]string{"JWT_SECRET": "x", "CHAT_MAX_ATTACHMENT_BYTES": "0"}},
		{"zero page size", map[string]string{"JWT_SECRET": "x", "CHAT_HISTORY_PAGE_SIZE": "0"}},
		{"zero send timeout", map[string]string{"JWT_SECRET": "x", "CHAT_SEND_TIMEOUT": "0s"}},
		{"unknown backend", map[string]string{"JWT_SECRET": "x", "RATE_LIMIT_BACKEND": "dynamo"}},
		{"bad reconnect", map[string]string{"JWT_SECRET": "x", "REALTIME_RECONNECT_MIN": "10s", "REALTIME_RECONNECT_MAX": "1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

type fakeSSM struct {
	value string
	err   error
	name  string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.name = aws.ToString(in.Name)
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(f.value)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{JWT: JWTConfig{SecretParam: "/chat/jwt"}}
	api := &fakeSSM{value: "from-ssm"}

	require.NoError(t, cfg.ResolveSecrets(context.Background(), api))
	require.Equal(t, "from-ssm", cfg.JWT.Secret)
	require.Equal(t, "/chat/jwt", api.name)
}

func TestResolveSecrets_Errors(t *testing.T) {
	cfg := &Config{JWT: JWTConfig{SecretParam: "/chat/jwt"}}
	require.Error(t, cfg.ResolveSecrets(context.Background(), nil))
	require.Error(t, cfg.ResolveSecrets(context.Background(), &fakeSSM{err: errors.New("denied")}))
	require.Error(t, cfg.ResolveSecrets(context.Background(), &fakeSSM{value: ""}))

	noop := &Config{JWT: JWTConfig{Secret: "plain"}}
	require.NoError(t, noop.ResolveSecrets(context.Background(), nil))
	require.Equal(t, "plain", noop.JWT.Secret)
}
