// Package objectstore ships a rolled mempool archive file to durable
// storage once internal/mempoolarchive closes and renames it. No repo
// in the retrieved pack implements an object store, so this is built
// against the ecosystem-standard AWS SDK rather than grounded on an
// example; see DESIGN.md.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store ships a local file to durable storage, keyed by its base name.
type Store interface {
	Ship(path string) error
}

// LocalStore copies shipped files into a destination directory,
// standing in for a real object store in tests and single-host
// deployments that don't need S3.
type LocalStore struct {
	Dir string
}

// NewLocalStore builds a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: mkdir %s: %w", dir, err)
	}
	return &LocalStore{Dir: dir}, nil
}

// Ship copies path into the LocalStore's directory under its base name.
func (s *LocalStore) Ship(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("objectstore: open %s: %w", path, err)
	}
	defer src.Close()

	dstPath := filepath.Join(s.Dir, filepath.Base(path))
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("objectstore: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("objectstore: copy %s: %w", path, err)
	}
	return nil
}

// s3API is the subset of *s3.Client that S3Store needs, so tests can
// substitute a fake without constructing a real AWS config.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store ships rolled archive files to an S3-compatible bucket.
// Activated by OBJECT_STORE_BACKEND=s3.
type S3Store struct {
	Bucket string
	Prefix string
	Client s3API
}

// NewS3Store builds an S3Store shipping into bucket under prefix using
// client (ordinarily an *s3.Client built from aws-sdk-go-v2's default
// config loader in cmd/bmon-edge, the process that rolls and ships the
// mempool archive).
func NewS3Store(bucket, prefix string, client s3API) *S3Store {
	return &S3Store{Bucket: bucket, Prefix: prefix, Client: client}
}

// Ship uploads path to the configured bucket under prefix/<basename>.
func (s *S3Store) Ship(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("objectstore: open %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.Join(s.Prefix, filepath.Base(path))
	_, err = s.Client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s/%s: %w", s.Bucket, key, err)
	}
	return nil
}
