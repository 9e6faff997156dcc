package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ObjectStorage is the part of the MinIO client the archive uses.
type ObjectStorage interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveConfig configures the MinIO recording archive.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive stores full recordings in an S3 compatible bucket instead of
// sending them to the backend.
type Archive struct {
	store  ObjectStorage
	bucket string
	now    func() time.Time
	log    *zap.Logger
}

// NewArchive connects to MinIO and makes sure the bucket exists.
func NewArchive(ctx context.Context, cfg ArchiveConfig, log *zap.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return NewArchiveWithStore(ctx, client, cfg.Bucket, log)
}

// NewArchiveWithStore builds an archive over an existing client.
func NewArchiveWithStore(ctx context.Context, store ObjectStorage, bucket string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}

	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("created recording bucket", zap.String("bucket", bucket))
	}

	return &Archive{store: store, bucket: bucket, now: time.Now, log: log}, nil
}

// ObjectName is where a room's recording lands in the bucket.
func ObjectName(roomID string, at time.Time) string {
	return fmt.Sprintf("recordings/%s/%d.webm", roomID, at.Unix())
}

// SaveRecording uploads the recording as recordings/<room>/<unix>.webm.
func (a *Archive) SaveRecording(ctx context.Context, req RecordingRequest) Result[SavedRecording] {
	name := ObjectName(req.RoomID, a.now())
	info, err := a.store.PutObject(ctx, a.bucket, name, bytes.NewReader(req.Audio), int64(len(req.Audio)),
		minio.PutObjectOptions{ContentType: AudioMimeType})
	if err != nil {
		a.log.Warn("recording upload failed", zap.String("object", name), zap.Error(err))
		return Result[SavedRecording]{
			Value:   SavedRecording{Message: "Failed to save conversation recording"},
			Failure: &Failure{Kind: Unreachable, Message: err.Error()},
		}
	}

	a.log.Info("recording archived", zap.String("object", name), zap.Int64("size", info.Size))
	return ok(SavedRecording{Success: true, Message: "Recording archived", FileID: name})
}
