// Package backup takes periodic snapshots of the report store, keeps the
// newest few on local disk and optionally ships each one to S3.
package backup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config controls periodic report store snapshots.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
	Compress bool // gzip each snapshot

	BucketURL      string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool

	Logger *zap.Logger
}

// Snapshotter is implemented by the report store.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}

// Uploader ships one snapshot file off the host.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
