//go:generate mockgen -package mocks -destination mocks/interface.go -source=interface.go
package s3

import (
	"context"
)

// Putter stores an object under key.
type Putter interface {
	Put(ctx context.Context, key string, data []byte) (err error)
}
