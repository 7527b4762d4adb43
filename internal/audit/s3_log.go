package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	pkgerrors "github.com/pkg/errors"
)

// S3API is the subset of the S3 client the log uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Log writes each record as a JSON object at
// <prefix>/<session id>/<record id>.json.
type S3Log struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Log creates a log writing to bucket under prefix.
func NewS3Log(client S3API, bucket, prefix string) *S3Log {
	return &S3Log{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(cfg), nil
}

func (l *S3Log) sessionPrefix(sessionID string) string {
	return path.Join(l.prefix, sessionID) + "/"
}

// Append implements RecordLog.
func (l *S3Log) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrapf(err, "encode audit record %s", rec.ID)
	}
	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.sessionPrefix(rec.SessionID) + rec.ID + ".json"),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "put audit record %s", rec.ID)
	}
	return nil
}

// List implements RecordLog.
func (l *S3Log) List(ctx context.Context, sessionID string) ([]Record, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(l.sessionPrefix(sessionID)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "list audit records for %s", sessionID)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := l.get(ctx, key)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *S3Log) get(ctx context.Context, key string) (Record, error) {
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Record{}, pkgerrors.Wrapf(err, "get audit record %s", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Record{}, pkgerrors.Wrapf(err, "read audit record %s", key)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, pkgerrors.Wrapf(err, "decode audit record %s", key)
	}
	return rec, nil
}
