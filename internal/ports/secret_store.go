package ports

import "context"

// SecretStore resolves named secrets provisioned for this deployment.
// Implementations return ("", nil) when the secret is not present so callers
// can distinguish absence from lookup failure.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}
