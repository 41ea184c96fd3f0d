// Copyright 2025 Phillip Lindsay
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quarantine keeps copies of unsafe uploads in an S3-compatible bucket
// for later inspection.
package quarantine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/plindsay/loomguard/pkg/filescan"
)

// Config locates the quarantine bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips bucket location lookups when set.
	Region string
}

// Object metadata keys.
const (
	metaFilename = "Original-Filename"
	metaThreat   = "Threat-Name"
	metaDetails  = "Scan-Details"
)

// Store implements filescan.Quarantine on MinIO.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the object store. It does not create the bucket; call
// EnsureBucket at startup.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check quarantine bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create quarantine bucket: %w", err)
	}
	s.logger.InfoContext(ctx, "quarantine bucket created", "bucket", s.bucket)
	return nil
}

// ObjectKey returns the object name used for a content hash.
func ObjectKey(contentHash string) string {
	if len(contentHash) < 2 {
		return contentHash
	}
	return contentHash[:2] + "/" + contentHash
}

// Store implements filescan.Quarantine.
func (s *Store) Store(ctx context.Context, contentHash, filename string, data []byte, verdict filescan.Verdict) error {
	key := ObjectKey(contentHash)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			metaFilename: filename,
			metaThreat:   verdict.ThreatName,
			metaDetails:  verdict.Details,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", contentHash, err)
	}
	s.logger.WarnContext(ctx, "file quarantined",
		"content_hash", contentHash,
		"filename", filename,
		"threat", verdict.ThreatName,
		"bucket", s.bucket,
		"object", key,
		"etag", info.ETag,
	)
	return nil
}

// Fetch returns the quarantined content for a hash.
func (s *Store) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectKey(contentHash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quarantined object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantined object: %w", err)
	}
	return data, nil
}

// Release deletes the quarantined copy of a hash.
func (s *Store) Release(ctx context.Context, contentHash string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ObjectKey(contentHash), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to release quarantined object: %w", err)
	}
	return nil
}
