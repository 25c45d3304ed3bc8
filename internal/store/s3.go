package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
}

// S3 stores each session as a single object. A PUT replaces the object
// atomically, so readers see the old or the new blob, never a mix.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 store: endpoint is required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3 store: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) object(key string) string {
	name := url.PathEscape(key) + ".bin"
	if s.cfg.Prefix == "" {
		return path.Join("sessions", name)
	}
	return path.Join(s.cfg.Prefix, "sessions", name)
}

func (s *S3) Get(ctx context.Context, key string) (Record, error) {
	object := s.object(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("s3 store: get %s: %w", object, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isS3NotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("s3 store: stat %s: %w", object, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		if isS3NotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("s3 store: read %s: %w", object, err)
	}
	return Record{Key: key, Data: data, UpdatedAt: info.LastModified.UTC()}, nil
}

func (s *S3) Put(ctx context.Context, rec Record) error {
	object := s.object(rec.Key)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(rec.Data), int64(len(rec.Data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("s3 store: put %s: %w", object, err)
	}
	return nil
}

func (s *S3) Remove(ctx context.Context, key string) error {
	object := s.object(key)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return fmt.Errorf("s3 store: remove %s: %w", object, err)
	}
	return nil
}

func (s *S3) Close() error { return nil }

func isS3NotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return false
}
