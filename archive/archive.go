// Package archive copies the logs of finished runs to object storage, and
// serves them back after the local copy is gone.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const DefaultBucket = "peteramati-runs"

// Config locates the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ConfigFromEnv reads ARCHIVE_ENDPOINT, ARCHIVE_ACCESS_KEY,
// ARCHIVE_SECRET_KEY, ARCHIVE_BUCKET and ARCHIVE_USE_SSL.
func ConfigFromEnv() Config {
	bucket := strings.TrimSpace(os.Getenv("ARCHIVE_BUCKET"))
	if bucket == "" {
		bucket = DefaultBucket
	}
	useSSL := false
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ARCHIVE_USE_SSL"))) {
	case "1", "true", "yes":
		useSSL = true
	}
	return Config{
		Endpoint:  strings.TrimSpace(os.Getenv("ARCHIVE_ENDPOINT")),
		AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
		SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
		Bucket:    bucket,
		UseSSL:    useSSL,
	}
}

// Enabled reports whether an object store is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Archiver stores run logs in a bucket.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New creates an Archiver. It does not contact the store; call EnsureBucket
// for that.
func New(cfg Config) (*Archiver, error) {
	if !cfg.Enabled() {
		return nil, errors.New("archive: endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// ObjectName returns the object holding the log of a run.
func ObjectName(key runlogs.Key, checkt int64) string {
	return fmt.Sprintf("repo%d/%s/%s/%d.log", key.RepoID, key.Pset, key.Runner, checkt)
}

func statusObjectName(key runlogs.Key, checkt int64) string {
	return fmt.Sprintf("repo%d/%s/%s/%d.status", key.RepoID, key.Pset, key.Runner, checkt)
}

// Put uploads the log at logPath and the terminal status of the run.
func (a *Archiver) Put(ctx context.Context, key runlogs.Key, checkt int64, logPath string, status models.JobStatus) error {
	_, err := a.client.FPutObject(ctx, a.bucket, ObjectName(key, checkt), logPath,
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return err
	}
	body := []byte(string(status))
	_, err = a.client.PutObject(ctx, a.bucket, statusObjectName(key, checkt), bytes.NewReader(body),
		int64(len(body)), minio.PutObjectOptions{ContentType: "text/plain"})
	return err
}

func notFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Get returns the archived output of a run from offset on, with the same
// limits and offset rules as runlogs.Dir.ReadLog, and the run's terminal
// status. Runs that were never archived return runlogs.ErrNoSuchLog.
func (a *Archiver) Get(ctx context.Context, key runlogs.Key, checkt int64, offset int64) (string, int64, models.JobStatus, error) {
	if offset < 0 {
		offset = 0
	}
	status := models.StatusDone
	obj, err := a.client.GetObject(ctx, a.bucket, statusObjectName(key, checkt), minio.GetObjectOptions{})
	if err == nil {
		b, rerr := io.ReadAll(obj)
		obj.Close()
		if rerr != nil {
			if notFound(rerr) {
				return "", offset, "", runlogs.ErrNoSuchLog
			}
			return "", offset, "", rerr
		}
		if s := models.JobStatus(strings.TrimSpace(string(b))); s.Terminal() {
			status = s
		}
	} else if notFound(err) {
		return "", offset, "", runlogs.ErrNoSuchLog
	} else {
		return "", offset, "", err
	}

	name := ObjectName(key, checkt)
	info, err := a.client.StatObject(ctx, a.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return "", offset, "", runlogs.ErrNoSuchLog
		}
		return "", offset, "", err
	}
	if offset >= info.Size {
		return "", offset, status, nil
	}
	end := offset + runlogs.MaxRead - 1
	if end >= info.Size {
		end = info.Size - 1
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, end); err != nil {
		return "", offset, "", err
	}
	obj, err = a.client.GetObject(ctx, a.bucket, name, opts)
	if err != nil {
		return "", offset, "", err
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return "", offset, "", err
	}
	return string(b), offset + int64(len(b)), status, nil
}
