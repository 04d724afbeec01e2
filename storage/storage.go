// Package storage keeps compiled Sieve programs in an S3-compatible bucket.
//
// The bucket is the shared tier behind the per-node memory and disk caches:
// a program compiled on one node is uploaded once and loaded by every other
// node instead of being recompiled. Objects are addressed by the program
// hash (see helpers.ProgramKey) so uploads are idempotent.
//
// When an encryption key is configured, objects are sealed client-side with
// AES-256-GCM before upload and opened after download.
//
//	s3, err := storage.New(cfg.S3)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = s3.Put(ctx, hash, program)
//	data, err := s3.Get(ctx, hash)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
	"github.com/allgood/pigeonhole/helpers"
	"github.com/allgood/pigeonhole/logger"
	"github.com/allgood/pigeonhole/pkg/metrics"
	"github.com/allgood/pigeonhole/pkg/retry"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
	aead       cipher.AEAD
	backoff    retry.Backoff
}

func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{Client: client, BucketName: cfg.Bucket, backoff: retry.DefaultBackoff()}
	if cfg.EncryptionKey != "" {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side encryption with a hex encoded
// 32 byte key.
func (s *S3Storage) EnableEncryption(hexKey string) error {
	aead, err := newAEAD(hexKey)
	if err != nil {
		return err
	}
	s.aead = aead
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

func newAEAD(hexKey string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = classifyS3Error(err)
	}
	metrics.S3Operations.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Exists reports whether the program with the given hash is stored.
func (s *S3Storage) Exists(ctx context.Context, hash string) (bool, error) {
	start := time.Now()
	_, err := s.Client.StatObject(ctx, s.BucketName, helpers.ProgramKey(hash), minio.StatObjectOptions{})
	if err == nil {
		observe("STAT", start, nil)
		return true, nil
	}
	if isNotFound(err) {
		observe("STAT", start, nil)
		return false, nil
	}
	observe("STAT", start, err)
	return false, fmt.Errorf("failed to stat program %s: %w", hash, err)
}

// Put uploads a program.
func (s *S3Storage) Put(ctx context.Context, hash string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe("PUT", start, err) }()

	if s.aead != nil {
		if data, err = seal(s.aead, data); err != nil {
			return fmt.Errorf("failed to encrypt program: %w", err)
		}
	}
	err = s.withRetry(ctx, func() error {
		_, err := s.Client.PutObject(ctx, s.BucketName, helpers.ProgramKey(hash),
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream", SendContentMd5: true})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	return nil
}

// Get downloads a program. A missing object is reported as
// consts.ErrCacheMiss.
func (s *S3Storage) Get(ctx context.Context, hash string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, consts.ErrCacheMiss) {
			observe("GET", start, nil)
			return
		}
		observe("GET", start, err)
	}()

	err = s.withRetry(ctx, func() error {
		obj, err := s.Client.GetObject(ctx, s.BucketName, helpers.ProgramKey(hash), minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		// GetObject is lazy; errors such as NoSuchKey surface on first read.
		data, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, consts.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read program %s: %w", hash, err)
	}
	if s.aead != nil {
		if data, err = open(s.aead, data); err != nil {
			return nil, fmt.Errorf("failed to decrypt program %s: %w", hash, err)
		}
	}
	return data, nil
}

// Delete removes a program. Deleting a missing program succeeds.
func (s *S3Storage) Delete(ctx context.Context, hash string) error {
	start := time.Now()
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		logger.Error("Storage: error checking existence of program", "hash", hash, "error", err)
		return err
	}
	if !exists {
		logger.Debug("Storage: program not in bucket, skipping deletion", "hash", hash)
		metrics.S3Operations.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}
	err = s.Client.RemoveObject(ctx, s.BucketName, helpers.ProgramKey(hash), minio.RemoveObjectOptions{})
	observe("DELETE", start, err)
	return err
}

// HealthCheck verifies that the bucket is reachable.
func (s *S3Storage) HealthCheck(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("s3 unreachable: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.BucketName)
	}
	return nil
}

// withRetry retries fn on throttling and network errors.
func (s *S3Storage) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, s.backoff, func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func retryable(err error) bool {
	if isNotFound(err) {
		return false
	}
	switch classifyS3Error(err) {
	case "throttled", "network_error", "error":
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == 404 || resp.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error maps an error to the status label of the S3 metrics.
func classifyS3Error(err error) string {
	if err == nil {
		return "success"
	}
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "Forbidden"):
		return "access_denied"
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound"):
		return "not_found"
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
