// Package specarchive stores resolved experiment specifications in the
// object store so callers can download the exact specification an
// instance was submitted with, even after the template changes.
package specarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/helix-labs/helix-go/internal/domain"
)

type Archive struct {
	client *minio.Client
	bucket string
}

func New(client *minio.Client, bucket string) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Archive{client: client, bucket: bucket}, nil
}

func objectKey(instanceID string) string {
	return "instances/" + instanceID + "/spec.json"
}

func (a *Archive) Put(ctx context.Context, instanceID string, spec domain.ConcreteSpec) error {
	if a == nil || a.client == nil {
		return fmt.Errorf("spec archive not initialized")
	}
	body, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err = a.client.PutObject(ctx, a.bucket, objectKey(instanceID), bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return fmt.Errorf("put spec object: %w", err)
	}
	return nil
}

// Get returns the archived specification document as stored.
func (a *Archive) Get(ctx context.Context, instanceID string) ([]byte, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("spec archive not initialized")
	}
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(instanceID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get spec object: %w", err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read spec object: %w", err)
	}
	return body, nil
}

// PresignGet returns a short-lived download URL for the archived
// specification.
func (a *Archive) PresignGet(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	if a == nil || a.client == nil {
		return "", fmt.Errorf("spec archive not initialized")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	u, err := a.client.PresignedGetObject(ctx, a.bucket, objectKey(instanceID), ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
