package aws

import (
	"bytes"
	"canvas-sync/core"
	"context"
	"errors"
	"io"
	"log"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Store archives canvas snapshots in an S3 bucket under <canvasID>/<id>.
type Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based snapshot store.
func NewStore(bucketName string) *Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return &Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}
}

// snapshotKey builds the object key, rejecting components that smuggle path
// segments.
func snapshotKey(canvasID, snapshotID string) (string, error) {
	for _, part := range []string{canvasID, snapshotID} {
		if part == "" || part == "." || part == ".." || path.Base(part) != part {
			return "", core.Errorf(core.KindValidation, "invalid snapshot key component %q", part)
		}
	}
	return path.Join(canvasID, snapshotID), nil
}

// SaveSnapshot uploads the serialized canvas state and returns the archive id.
func (s *Store) SaveSnapshot(ctx context.Context, canvasID string, data []byte) (string, error) {
	id := ulid.Make().String()
	key, err := snapshotKey(canvasID, id)
	if err != nil {
		return "", err
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", core.WrapErr(core.KindInternal, err, "failed to upload snapshot")
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id":   canvasID,
		"snapshot_id": id,
		"data_length": len(data),
	}).Info("snapshot archived")
	return id, nil
}

// LoadSnapshot downloads a previously archived snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, canvasID, snapshotID string) ([]byte, error) {
	key, err := snapshotKey(canvasID, snapshotID)
	if err != nil {
		return nil, err
	}

	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, core.Errorf(core.KindNotFound, "snapshot %s not found for canvas %s", snapshotID, canvasID)
		}
		return nil, core.WrapErr(core.KindInternal, err, "failed to get snapshot")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapErr(core.KindInternal, err, "failed to read snapshot body")
	}
	return data, nil
}
