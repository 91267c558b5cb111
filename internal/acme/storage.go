// Package acme drives the RFC 8555 ACME HTTP-01 certificate lifecycle:
// account registration, order creation, challenge publication, validation
// polling, and certificate installation, with a self-signed fallback when
// a step fails on a route that allows it.
package acme

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Storage.Get when the key has no value.
var ErrNotFound = errors.New("acme: key not found")

// Storage persists ACME state across restarts under short logical keys
// mapped to backend-native paths by each implementation. Manager stores
// only the account key ("account.key"); issued certificates and order
// state are kept in memory and are not written here.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
