// Package credentials resolves drain tokens to the sink credentials of the
// tenant that owns them.
package credentials

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when no credentials exist for a token.
	ErrNotFound = errors.New("credentials not found")

	// ErrUnsupportedType is returned by sinks given credentials of a type
	// they cannot write to.
	ErrUnsupportedType = errors.New("unsupported credentials type")
)

// TypeInfluxDBv1 marks credentials for an InfluxDB 1.x HTTP endpoint.
const TypeInfluxDBv1 = "influxdb_v1"

// Secrets holds the connection details of a tenant's sink.
type Secrets struct {
	URL string `json:"url" yaml:"url"`
}

// Credentials describes one tenant.
type Credentials struct {
	Token   string  `json:"token" yaml:"token"`
	Name    string  `json:"name" yaml:"name"`
	Type    string  `json:"type" yaml:"type"`
	Secrets Secrets `json:"secrets" yaml:"secrets"`
}

// Resolver looks up credentials by token. Implementations return
// ErrNotFound for unknown tokens.
type Resolver interface {
	Lookup(ctx context.Context, token string) (Credentials, error)
}

// Memory is a map-backed Resolver.
type Memory struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewMemory returns a Memory store seeded with creds.
func NewMemory(creds ...Credentials) *Memory {
	m := &Memory{creds: make(map[string]Credentials, len(creds))}
	for _, c := range creds {
		m.creds[c.Token] = c
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, token string) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[token]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// Put adds or replaces credentials.
func (m *Memory) Put(c Credentials) {
	m.mu.Lock()
	m.creds[c.Token] = c
	m.mu.Unlock()
}

// Delete removes the token's credentials.
func (m *Memory) Delete(token string) {
	m.mu.Lock()
	delete(m.creds, token)
	m.mu.Unlock()
}
