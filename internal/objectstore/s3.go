// Package objectstore hands out presigned S3 URLs for drive transfers. The
// bytes travel between the client and the bucket; this service only signs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const DefaultExpiry = 15 * time.Minute

var ErrNotOwner = errors.New("object does not belong to user")

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Expiry    time.Duration
}

type Store struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
	newID   func() string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// MinIO and friends
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Store{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  expiry,
		newID:   uuid.NewString,
	}, nil
}

func userPrefix(userID int64) string {
	return "users/" + strconv.FormatInt(userID, 10) + "/"
}

// UploadURL allocates a fresh object key under the user's prefix and signs
// a PUT for exactly size bytes.
func (s *Store) UploadURL(ctx context.Context, userID, size int64) (string, string, error) {
	key := userPrefix(userID) + s.newID()
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return key, req.URL, nil
}

func (s *Store) DownloadURL(ctx context.Context, userID int64, key string) (string, error) {
	if !strings.HasPrefix(key, userPrefix(userID)) || len(key) == len(userPrefix(userID)) {
		return "", ErrNotOwner
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}
