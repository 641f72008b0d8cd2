// Package archive implements the two optional cold-storage archival
// concerns: bundle objects keyed by bundle_digest to S3, and
// transition-log archival to Google Cloud Storage for long-term audit
// retention — two distinct archival concerns against two distinct object
// stores.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BundleArchiver writes exported bundle bytes to S3, one object per
// bundle_digest. Put is an unconditional PUT: since the key is a content
// hash, putting the same digest again rewrites byte-identical content and
// succeeds rather than failing.
type BundleArchiver struct {
	client *s3.Client
	bucket string
}

// NewBundleArchiver constructs an archiver against bucket using ambient
// AWS credentials/config resolution.
func NewBundleArchiver(ctx context.Context, bucket string) (*BundleArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &BundleArchiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put archives bundleBytes under bundleDigest (hex, no 0x prefix).
func (a *BundleArchiver) Put(ctx context.Context, bundleDigest string, bundleBytes []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &bundleDigest,
		Body:   bytes.NewReader(bundleBytes),
	})
	if err != nil {
		return fmt.Errorf("archive: put bundle %s: %w", bundleDigest, err)
	}
	return nil
}

// Get retrieves a previously archived bundle by digest.
func (a *BundleArchiver) Get(ctx context.Context, bundleDigest string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &bundleDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get bundle %s: %w", bundleDigest, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// TransitionLogArchiver writes append-only transition-log snapshots to
// GCS for long-term audit retention, independent of the live queue store.
type TransitionLogArchiver struct {
	client *storage.Client
	bucket string
}

// NewTransitionLogArchiver constructs an archiver against bucket using
// ambient GCP credentials resolution.
func NewTransitionLogArchiver(ctx context.Context, bucket string) (*TransitionLogArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: new gcs client: %w", err)
	}
	return &TransitionLogArchiver{client: client, bucket: bucket}, nil
}

// Put archives snapshot as the transition log for flowID, replacing any
// object previously written for that flow.
func (a *TransitionLogArchiver) Put(ctx context.Context, flowID string, snapshot []byte) error {
	objectName := fmt.Sprintf("transition-log/%s.jsonl", flowID)
	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	if _, err := w.Write(snapshot); err != nil {
		w.Close()
		return fmt.Errorf("archive: write transition log for %s: %w", flowID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: close transition log writer for %s: %w", flowID, err)
	}
	return nil
}

// Close releases the GCS client's resources.
func (a *TransitionLogArchiver) Close() error {
	return a.client.Close()
}
