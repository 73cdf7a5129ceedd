package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Config addresses a Cloudflare R2 (S3-compatible) bucket.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Endpoint overrides the account-derived endpoint.
	Endpoint string
}

// Complete reports whether every field needed to connect is set.
func (c R2Config) Complete() bool {
	return (c.Endpoint != "" || c.AccountID != "") && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// R2Store stores objects in an S3-compatible bucket.
type R2Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewR2Store creates an R2Store with static credentials.
func NewR2Store(cfg R2Config) (*R2Store, error) {
	if !cfg.Complete() {
		return nil, errors.New("blobstore: r2 needs endpoint or account id, access key, secret and bucket")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	client := s3.New(s3.Options{
		Region:       "auto",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	})
	return &R2Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put uploads data under key.
func (s *R2Store) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("blobstore: r2 put %s: %w", key, err)
	}
	return nil
}

// SignedURL presigns a GET for key.
func (s *R2Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("blobstore: r2 presign %s: %w", key, err)
	}
	return req.URL, nil
}
