package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

const metaSHA256 = "sha256"

type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds a store over an S3 bucket. Path style addressing keeps
// LocalStack and other S3 compatible endpoints working.
func NewS3Store(cfg aws.Config, bucket string) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, obj Object, content io.Reader) (*Object, error) {
	data, obj, err := prepare(obj, content)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(obj.Metadata)+1)
	for k, v := range obj.Metadata {
		meta[k] = v
	}
	meta[metaSHA256] = obj.SHA256

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(obj.ContentType),
		ContentLength: aws.Int64(obj.Size),
		Metadata:      meta,
		ACL:           types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s/%s: %w", s.bucket, obj.Key, err)
	}
	return &obj, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, s.mapErr("get", key, err)
	}

	obj := &Object{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Metadata:    out.Metadata,
		SHA256:      out.Metadata[metaSHA256],
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	return out.Body, obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.mapErr("delete", key, err)
	}
	return nil
}

func (s *S3Store) mapErr(op, key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return ErrNotFound
	}
	return fmt.Errorf("s3 %s %s/%s: %w", op, s.bucket, key, err)
}
