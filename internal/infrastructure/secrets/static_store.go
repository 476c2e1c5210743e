package secrets

import (
	"context"
	"sync"

	"meridian-core-oauth-proxy/internal/ports"
)

// StaticStore serves secrets from an in-process map. It backs tests and
// deployments that provision credentials purely through the environment.
type StaticStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticStore(values map[string]string) ports.SecretStore {
	if values == nil {
		values = make(map[string]string)
	}
	return &StaticStore{values: values}
}

func (s *StaticStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name], nil
}

func (s *StaticStore) SetSecret(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}
