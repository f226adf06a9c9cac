// Package backup exports encrypted snapshots of the local cache to
// S3-compatible storage and restores from them. The server remains the source
// of truth; a snapshot exists so a device swap does not have to re-pull
// months of trips over a mobile connection.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"
)

// s3Client is the slice of the S3 API the snapshotter uses, split out for
// testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds snapshotter configuration. Passphrase encrypts snapshots at
// rest; the storage provider never sees plaintext trip data.
type Config struct {
	S3         S3Config
	DBPath     string
	Passphrase string
}

// Snapshotter exports and restores encrypted cache snapshots.
type Snapshotter struct {
	cfg    Config
	db     *sql.DB
	client s3Client
	logger *slog.Logger
}

// NewSnapshotter returns a configured snapshotter, or nil when S3 is not
// configured. Callers treat nil as "snapshots disabled".
func NewSnapshotter(cfg Config, db *sql.DB, logger *slog.Logger) *Snapshotter {
	if cfg.S3.Bucket == "" || cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" {
		return nil
	}
	return &Snapshotter{cfg: cfg, db: db, client: newS3Client(cfg.S3), logger: logger}
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func snapshotPrefix(userID string) string {
	return userID + "/snapshots/"
}

// Export writes a consistent snapshot of the cache, encrypts it, and uploads
// it under the user's prefix. Returns the object key.
func (s *Snapshotter) Export(ctx context.Context, userID string) (string, error) {
	tmpDir := os.TempDir()
	plain := filepath.Join(tmpDir, fmt.Sprintf("roadlog-snapshot-%d.db", time.Now().UnixNano()))
	enc := plain + ".enc"
	defer os.Remove(plain)
	defer os.Remove(enc)

	// VACUUM INTO produces a consistent single-file copy without blocking
	// concurrent readers or needing the WAL files.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", plain); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	if err := EncryptFile(plain, enc, s.cfg.Passphrase); err != nil {
		return "", fmt.Errorf("encrypt snapshot: %w", err)
	}

	f, err := os.Open(enc)
	if err != nil {
		return "", fmt.Errorf("open encrypted snapshot: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat encrypted snapshot: %w", err)
	}

	key := snapshotPrefix(userID) + time.Now().UTC().Format("2006-01-02T150405Z") + ".db.enc"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	s.logger.Info("snapshot exported", "key", key, "bytes", stat.Size())
	return key, nil
}

// ErrPendingOperations is returned by Restore when the current cache still
// holds operations that have not reached the server. Restoring over them
// would silently lose local work.
var ErrPendingOperations = errors.New("cache has pending operations")

// Restore downloads a snapshot, decrypts it, verifies SQLite integrity, and
// replaces the cache file. The caller must hold the database closed and
// reopen it afterwards.
func (s *Snapshotter) Restore(ctx context.Context, key string) error {
	pending, err := hasPendingOperations(s.cfg.DBPath)
	if err != nil {
		return err
	}
	if pending {
		return ErrPendingOperations
	}

	tmpDir := os.TempDir()
	enc := filepath.Join(tmpDir, fmt.Sprintf("roadlog-restore-%d.db.enc", time.Now().UnixNano()))
	plain := strings.TrimSuffix(enc, ".enc")
	defer os.Remove(enc)
	defer os.Remove(plain)

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	defer obj.Body.Close()

	out, err := os.Create(enc)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, obj.Body); err != nil {
		out.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	out.Close()

	if err := DecryptFile(enc, plain, s.cfg.Passphrase); err != nil {
		return fmt.Errorf("decrypt snapshot: %w", err)
	}
	if err := verifyIntegrity(plain); err != nil {
		return err
	}

	if err := copyFile(plain, s.cfg.DBPath); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	os.Remove(s.cfg.DBPath + "-wal")
	os.Remove(s.cfg.DBPath + "-shm")
	s.logger.Info("snapshot restored", "key", key)
	return nil
}

// hasPendingOperations inspects the current cache file directly rather than
// through the live handle, because Restore runs with the database closed.
func hasPendingOperations(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return false, fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM pending_operations").Scan(&n); err != nil {
		// A cache from before the queue schema has nothing to lose.
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, fmt.Errorf("count pending operations: %w", err)
	}
	return n > 0, nil
}

func verifyIntegrity(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored cache: %w", err)
	}
	defer db.Close()
	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

// List returns the user's snapshot keys, newest first. Keys embed the export
// timestamp, so lexical order is chronological.
func (s *Snapshotter) List(ctx context.Context, userID string) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Prefix: aws.String(snapshotPrefix(userID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *Snapshotter) Prune(ctx context.Context, userID string, keep int) error {
	keys, err := s.List(ctx, userID)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	for _, key := range keys[min(keep, len(keys)):] {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			s.logger.Warn("snapshot delete failed", "key", key, "error", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
