package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

const objectStoreAuthPrefix = "auths"

// ObjectStoreConfig captures configuration for the object storage mirror.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// ObjectMirror keeps a copy of the credential record in an S3-compatible bucket.
type ObjectMirror struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	mu     sync.Mutex
}

// NewObjectMirror validates cfg and creates the S3 client.
func NewObjectMirror(cfg ObjectStoreConfig) (*ObjectMirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectMirror{client: client, cfg: cfg}, nil
}

// Bootstrap creates the bucket when it does not exist yet.
func (s *ObjectMirror) Bootstrap(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	log.Infof("object store: created bucket %s", s.cfg.Bucket)
	return nil
}

// Push uploads the encoded record.
func (s *ObjectMirror) Push(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.recordKey(), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object store: put object: %w", err)
	}
	return nil
}

// Pull downloads the record; a missing object yields (nil, nil).
func (s *ObjectMirror) Pull(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, s.recordKey(), minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("object store: get object: %w", err)
	}
	defer func() {
		if errClose := object.Close(); errClose != nil {
			log.Debugf("object store: close object: %v", errClose)
		}
	}()
	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("object store: read object: %w", err)
	}
	return normalizeLineEndingsBytes(data), nil
}

// Remove deletes the record object.
func (s *ObjectMirror) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.recordKey(), minio.RemoveObjectOptions{})
	if err != nil && !isObjectNotFound(err) {
		return fmt.Errorf("object store: remove object: %w", err)
	}
	return nil
}

func (s *ObjectMirror) recordKey() string {
	key := objectStoreAuthPrefix + "/" + RecordName
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/" + key
	}
	return key
}

func normalizeLineEndingsBytes(data []byte) []byte {
	replaced := bytes.ReplaceAll(data, []byte{'\r', '\n'}, []byte{'\n'})
	return bytes.ReplaceAll(replaced, []byte{'\r'}, []byte{'\n'})
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
