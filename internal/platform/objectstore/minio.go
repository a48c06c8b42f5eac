package objectstore

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps the MinIO SDK client together with the bucket layout the
// orchestrator expects, so callers never pass bucket names around.
type Client struct {
	mc          *minio.Client
	region      string
	specsBucket string
}

func Connect(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, region: cfg.Region, specsBucket: cfg.BucketSpecs}, nil
}

// MinIO exposes the underlying SDK client for object-level operations.
func (c *Client) MinIO() *minio.Client { return c.mc }

func (c *Client) SpecsBucket() string { return c.specsBucket }

// EnsureSpecsBucket creates the specs bucket on first boot. Creation is
// idempotent across concurrent replicas because BucketExists is checked
// first and MakeBucket races resolve to "already owned".
func (c *Client) EnsureSpecsBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.specsBucket)
	if err != nil {
		return fmt.Errorf("ensure specs bucket: %w", err)
	}
	if exists {
		return nil
	}
	err = c.mc.MakeBucket(ctx, c.specsBucket, minio.MakeBucketOptions{Region: c.region})
	if err != nil && !bucketAlreadyOwned(err) {
		return fmt.Errorf("ensure specs bucket: %w", err)
	}
	return nil
}

// Ready is the readiness probe for the object store.
func (c *Client) Ready(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.specsBucket)
	if err != nil {
		return fmt.Errorf("specs bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("specs bucket missing: %s", c.specsBucket)
	}
	return nil
}

func bucketAlreadyOwned(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists"
}
