package storage

import (
	"io"
	"os"
	"path/filepath"
)

// LocalProvider mirrors the offload API onto a mounted directory, typically
// a USB stick recovered with the payload.
type LocalProvider struct {
	RootPath string
}

func (l *LocalProvider) Put(bucket, key string, body io.ReadSeeker, contentType string) error {
	path := filepath.Join(l.RootPath, bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, body)
	return err
}

func (l *LocalProvider) Exists(bucket, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(l.RootPath, bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
