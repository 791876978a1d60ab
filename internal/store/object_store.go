package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const savedAtMetaKey = "Saved-At"

// ObjectConfig locates the bucket holding snapshots.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore writes each snapshot as one object and each metadata
// record as a JSON object next to it. The newer-wins check on
// PutSnapshot is a stat followed by a put, so it is only as strong as a
// single gateway writing each document, which the registry guarantees.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects to an S3-compatible endpoint and creates the
// bucket when it does not exist.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	s := &ObjectStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ObjectStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func snapshotObject(docID string) string {
	return "snapshots/" + url.PathEscape(docID) + ".snap"
}

func metadataObject(docID string) string {
	return "metadata/" + url.PathEscape(docID) + ".json"
}

func (s *ObjectStore) GetSnapshot(ctx context.Context, docID string) (Snapshot, error) {
	data, info, err := s.read(ctx, snapshotObject(docID))
	if err != nil {
		return Snapshot{}, err
	}
	savedAt := info.LastModified.UTC()
	if millis, ok := savedAtMillis(info.UserMetadata); ok {
		savedAt = time.UnixMilli(millis).UTC()
	}
	return Snapshot{DocID: docID, Data: data, SavedAt: savedAt}, nil
}

func (s *ObjectStore) PutSnapshot(ctx context.Context, snapshot Snapshot) error {
	name := snapshotObject(snapshot.DocID)
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	switch {
	case err == nil:
		if millis, ok := savedAtMillis(info.UserMetadata); ok && millis > snapshot.SavedAt.UnixMilli() {
			return nil
		}
	case !isNoSuchKey(err):
		return fmt.Errorf("stat snapshot: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(snapshot.Data), int64(len(snapshot.Data)),
		minio.PutObjectOptions{
			ContentType:  "application/cbor",
			UserMetadata: map[string]string{savedAtMetaKey: strconv.FormatInt(snapshot.SavedAt.UnixMilli(), 10)},
		})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *ObjectStore) GetMetadata(ctx context.Context, docID string) (Metadata, error) {
	raw, _, err := s.read(ctx, metadataObject(docID))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

func (s *ObjectStore) PutMetadata(ctx context.Context, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, metadataObject(meta.DocID), bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

func (s *ObjectStore) read(ctx context.Context, name string) ([]byte, minio.ObjectInfo, error) {
	object, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("get object %s: %w", name, err)
	}
	defer object.Close()

	info, err := object.Stat()
	if isNoSuchKey(err) {
		return nil, minio.ObjectInfo{}, ErrNotFound
	}
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("stat object %s: %w", name, err)
	}
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, minio.ObjectInfo{}, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, info, nil
}

// Ping checks that the bucket is reachable.
func (s *ObjectStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("ping s3: %w", err)
	}
	return nil
}

func (s *ObjectStore) Close() error { return nil }

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// savedAtMillis finds the saved-at user metadata regardless of how the
// server canonicalized the key.
func savedAtMillis(meta map[string]string) (int64, bool) {
	for key, value := range meta {
		if !strings.EqualFold(strings.TrimPrefix(strings.ToLower(key), "x-amz-meta-"), savedAtMetaKey) {
			continue
		}
		millis, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return millis, true
	}
	return 0, false
}
