package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used to resolve secrets.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecrets replaces secrets that are configured by SSM parameter name
// with their decrypted values. A nil api is only valid when nothing needs resolving.
func (c *Config) ResolveSecrets(ctx context.Context, api ssmAPI) error {
	name := strings.TrimSpace(c.JWT.SecretParam)
	if name == "" {
		return nil
	}
	if api == nil {
		return errors.New("config: JWT_SECRET_PARAM set but no SSM client")
	}

	withDecryption := true
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return fmt.Errorf("config: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return fmt.Errorf("config: parameter %q has no value", name)
	}
	c.JWT.Secret = *out.Parameter.Value
	return nil
}
