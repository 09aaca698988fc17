package consolidate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
)

// BackupWriter persists a snapshot of the raw legacy records before a
// migration mutates anything. The returned location is recorded in logs so
// operators can find the snapshot during an incident.
type BackupWriter interface {
	Write(ctx context.Context, name string, payload any) (location string, err error)
}

// DirBackup writes JSON snapshots into a local directory.
type DirBackup struct {
	Dir string
}

// Write implements BackupWriter.
func (d DirBackup) Write(_ context.Context, name string, payload any) (string, error) {
	if err := os.MkdirAll(d.Dir, 0750); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup: %w", err)
	}

	path := filepath.Join(d.Dir, name+".json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("writing backup file: %w", err)
	}
	return path, nil
}

// ObjectBackup writes JSON snapshots to an S3-compatible object store.
type ObjectBackup struct {
	Client *minio.Client
	Bucket string
}

// Write implements BackupWriter.
func (o ObjectBackup) Write(ctx context.Context, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding backup: %w", err)
	}

	key := name + ".json"
	_, err = o.Client.PutObject(ctx, o.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("uploading backup object: %w", err)
	}
	return o.Bucket + "/" + key, nil
}

// backupName builds a unique, sortable snapshot name.
func backupName(sourceKind string, now time.Time) string {
	return fmt.Sprintf("migration_backup_%s_%s", sourceKind, now.UTC().Format("20060102_150405"))
}
