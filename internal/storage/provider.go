package storage

import "io"

// Provider defines the behavior for any offload backend.
type Provider interface {
	Put(bucket, key string, body io.ReadSeeker, contentType string) error
	Exists(bucket, key string) (bool, error)
}
