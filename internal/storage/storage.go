// Package storage offloads finished collection files to a durable backend:
// an S3-compatible bucket when the payload has connectivity, or a local
// directory otherwise.
package storage

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/WSUHARBOR/MSApublic/internal/config"
)

type Client struct {
	backend Provider
	bucket  string
}

func New(cfg *config.Config) *Client {
	var backend Provider

	if cfg.Storage.Provider == "local" {
		backend = &LocalProvider{RootPath: cfg.Storage.LocalPath}
	} else {
		s3Config := &aws.Config{
			Credentials:      credentials.NewStaticCredentials(cfg.Storage.KeyID, cfg.Storage.AppKey, ""),
			Endpoint:         aws.String(cfg.Storage.Endpoint),
			Region:           aws.String(cfg.Storage.Region),
			S3ForcePathStyle: aws.Bool(true),
		}
		sess := session.Must(session.NewSession(s3Config))
		backend = NewS3Provider(sess)
	}

	return &Client{backend: backend, bucket: cfg.Storage.Bucket}
}

// UploadCollection pushes one collection CSV to the offload bucket.
func (c *Client) UploadCollection(key string, body io.ReadSeeker) error {
	return c.backend.Put(c.bucket, key, body, "text/csv")
}

// HasCollection reports whether a collection file already landed.
func (c *Client) HasCollection(key string) (bool, error) {
	return c.backend.Exists(c.bucket, key)
}
