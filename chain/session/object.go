package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig configures an S3-compatible session bucket.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object key, e.g. "sessions/".
	Prefix string
}

func (c ObjectConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

const expiresAtMetaKey = "Expires-At"

// ObjectStore keeps one JSON object per session in a MinIO/S3 bucket. The
// expiry is written both into the payload and as object metadata so bucket
// lifecycle tooling can see it; Load enforces it.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectConfig
	now    func() time.Time
	logger *slog.Logger
}

var _ Store = (*ObjectStore)(nil)

// NewObjectStore connects to the bucket described by cfg, creating it when
// missing.
func NewObjectStore(ctx context.Context, cfg ObjectConfig, logger *slog.Logger) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure session bucket: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "session-object-store"),
	}, nil
}

func (o *ObjectStore) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	stamp(&snap, o.now(), ttl)

	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if !snap.ExpiresAt.IsZero() {
		opts.UserMetadata = map[string]string{expiresAtMetaKey: snap.ExpiresAt.UTC().Format(time.RFC3339)}
	}
	_, err = o.client.PutObject(ctx, o.cfg.Bucket, o.objectKey(snap.SessionID), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put session object: %w", err)
	}
	return nil
}

func (o *ObjectStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	obj, err := o.client.GetObject(ctx, o.cfg.Bucket, o.objectKey(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return nil, o.mapError(err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, o.mapError(err)
	}

	snap, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if snap.Expired(o.now()) {
		if err := o.Clear(ctx, sessionID); err != nil {
			o.logger.Warn("failed to remove expired session", "session_id", sessionID, "error", err)
		}
		return nil, ErrNotFound
	}
	return snap, nil
}

func (o *ObjectStore) Clear(ctx context.Context, sessionID string) error {
	err := o.client.RemoveObject(ctx, o.cfg.Bucket, o.objectKey(sessionID), minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(o.mapError(err), ErrNotFound) {
		return fmt.Errorf("remove session object: %w", err)
	}
	return nil
}

func (o *ObjectStore) objectKey(sessionID string) string {
	return o.cfg.Prefix + sessionID + ".json"
}

func (o *ObjectStore) mapError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return fmt.Errorf("get session object: %w", err)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
