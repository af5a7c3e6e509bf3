package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the storage uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Storage handles S3 uploads for analysis reports.
type Storage struct {
	client     S3API
	bucket     string
	cdnBaseURL string // e.g. "https://reports.apresai.dev"
}

// NewStorage creates an S3 storage handler.
func NewStorage(client S3API, bucket, cdnBaseURL string) *Storage {
	return &Storage{client: client, bucket: bucket, cdnBaseURL: strings.TrimRight(cdnBaseURL, "/")}
}

// UploadReport writes report as JSON to S3 and returns the S3 key and public URL.
func (s *Storage) UploadReport(ctx context.Context, analysisID string, report any) (key, url string, err error) {
	key = "reports/" + analysisID + ".json"

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", "", fmt.Errorf("upload to s3: %w", err)
	}

	url = s.cdnBaseURL + "/" + key
	return key, url, nil
}
