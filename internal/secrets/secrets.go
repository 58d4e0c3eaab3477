// Package secrets resolves the bot app credentials from AWS Secrets
// Manager. Secret values are cached for the lifetime of the process and
// must never appear in logs or error messages.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the minimal Secrets Manager interface required by Resolver.
// *secretsmanager.Client satisfies it.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Getter is what consumers (the Lark client) depend on.
type Getter interface {
	GetSecret(ctx context.Context, id string) (string, error)
}

type Resolver struct {
	api secretsAPI

	mu    sync.Mutex
	cache map[string]string
}

func New(api secretsAPI) (*Resolver, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Resolver{api: api, cache: map[string]string{}}, nil
}

func (r *Resolver) GetSecret(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("secrets: empty secret id")
	}

	r.mu.Lock()
	if v, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		// Keep the secret id out of the wrapped error: ARNs are not
		// sensitive but values sometimes leak through SDK messages.
		return "", fmt.Errorf("secrets: get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", errors.New("secrets: secret has no string value")
	}

	r.mu.Lock()
	r.cache[id] = *out.SecretString
	r.mu.Unlock()
	return *out.SecretString, nil
}
