package wallet

import (
	"context"
	"sync"
)

// Static is a Connector bound to one configured address. It cannot sign.
type Static struct {
	address string

	mu        sync.Mutex
	connected bool
}

// NewStatic returns a connector for address. An empty address never connects.
func NewStatic(address string) *Static {
	return &Static{address: address}
}

func (s *Static) Connect(ctx context.Context, perms []Permission) (string, error) {
	if s.address == "" {
		return "", ErrNotConnected
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return s.address, nil
}

func (s *Static) ActiveAddress(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected
	}
	return s.address, nil
}

func (s *Static) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}
