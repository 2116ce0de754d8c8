// Package archive writes approved baseline snapshots to object storage.
// The database row remains the source of truth; the archived object is a
// forensic copy kept outside the transactional store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Snapshot is the JSON document written for each promoted baseline.
type Snapshot struct {
	ArtifactID  string          `json:"artifactId"`
	ProjectID   string          `json:"projectId"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	ContentJSON json.RawMessage `json:"contentJson,omitempty"`
	Version     int             `json:"version"`
	ApprovedBy  string          `json:"approvedBy"`
	ArchivedAt  time.Time       `json:"archivedAt"`
}

// Service archives baseline snapshots to a MinIO bucket. A nil *Service
// is valid and skips archiving.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to MinIO and ensures the snapshot bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// StoreBaseline writes the snapshot object. Best-effort by contract: the
// caller logs the returned error and never fails the promotion on it.
func (s *Service) StoreBaseline(ctx context.Context, snapshot Snapshot) error {
	if s == nil {
		return nil
	}
	snapshot.ArchivedAt = time.Now().UTC()

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	objectName := fmt.Sprintf("%s/%s/v%d-%s.json", snapshot.ProjectID, snapshot.Type, snapshot.Version, snapshot.ArtifactID)
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", objectName, err)
	}
	log.Printf("archive: stored baseline snapshot %s", objectName)
	return nil
}
