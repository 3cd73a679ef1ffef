package casestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/esmda-go/internal/domain"
)

// ObjectStore is the blob API the archive writes through.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// MinioObjects adapts a MinIO client to ObjectStore.
type MinioObjects struct {
	client *minio.Client
}

func NewMinioObjects(client *minio.Client) (*MinioObjects, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	return &MinioObjects{client: client}, nil
}

func (s *MinioObjects) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Manifest is written next to the realization objects of an archived snapshot.
type Manifest struct {
	Snapshot     domain.Snapshot `json:"snapshot"`
	Realizations []int           `json:"realizations"`
	ArchivedAt   time.Time       `json:"archived_at"`
}

// Archive uploads every realization of a snapshot when it is sealed.
type Archive struct {
	Store
	objects     ObjectStore
	bucket      string
	prefix      string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewArchive(store Store, objects ObjectStore, bucket, prefix string, logger *slog.Logger) *Archive {
	return &Archive{
		Store:       store,
		objects:     objects,
		bucket:      bucket,
		prefix:      prefix,
		concurrency: 8,
		logger:      logger,
		now:         time.Now,
	}
}

func (a *Archive) Seal(ctx context.Context, snapshot domain.Snapshot) error {
	if err := a.Store.Seal(ctx, snapshot); err != nil {
		return err
	}
	data, err := a.Store.LoadRealizations(ctx, snapshot, nil)
	if err != nil {
		return fmt.Errorf("load %s for archive: %w", snapshot.Name, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	indices := make([]int, 0, len(data))
	for _, d := range data {
		indices = append(indices, d.Realization)
		g.Go(func() error {
			return a.putJSON(gctx, a.key(snapshot, fmt.Sprintf("realization-%04d.json", d.Realization)), d)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("archive %s: %w", snapshot.Name, err)
	}

	manifest := Manifest{Snapshot: snapshot, Realizations: indices, ArchivedAt: a.now().UTC()}
	if err := a.putJSON(ctx, a.key(snapshot, "manifest.json"), manifest); err != nil {
		return fmt.Errorf("archive %s manifest: %w", snapshot.Name, err)
	}
	if a.logger != nil {
		a.logger.Info("snapshot archived", "component", "case_archive", "snapshot", snapshot.Name, "realizations", len(indices), "bucket", a.bucket)
	}
	return nil
}

func (a *Archive) key(snapshot domain.Snapshot, name string) string {
	return path.Join(a.prefix, snapshot.Name, name)
}

func (a *Archive) putJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := a.objects.Put(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
