package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	obj, err := s.Put(ctx, Object{Key: "remittance/p1/era.pdf", ContentType: "application/pdf"}, strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Size != 8 {
		t.Errorf("expected size 8, got %d", obj.Size)
	}
	// sha256("%PDF-1.4")
	if len(obj.SHA256) != 64 {
		t.Errorf("expected hex sha256, got %q", obj.SHA256)
	}

	rc, got, err := s.Get(ctx, "remittance/p1/era.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "%PDF-1.4" {
		t.Errorf("unexpected content %q", data)
	}
	if got.ContentType != "application/pdf" {
		t.Errorf("unexpected content type %q", got.ContentType)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, Object{ContentType: "application/pdf"}, strings.NewReader("x")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := s.Put(ctx, Object{Key: "k", ContentType: "application/x-msdownload"}, strings.NewReader("x")); !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}
	big := bytes.NewReader(make([]byte, MaxFileSize+1))
	if _, err := s.Put(ctx, Object{Key: "k", ContentType: "application/pdf"}, big); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if _, err := s.Put(ctx, Object{Key: "k", ContentType: "text/plain; charset=utf-8"}, strings.NewReader("x")); err != nil {
		t.Errorf("content type parameters should be accepted, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Put(ctx, Object{Key: "a", ContentType: "text/plain"}, strings.NewReader("x"))

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type fakeS3 struct {
	objects map[string]*s3.PutObjectInput
	bodies  map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]*s3.PutObjectInput{}, bodies: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = in
	f.bodies[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	put, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	data := f.bodies[aws.ToString(in.Key)]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   put.ContentType,
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      put.Metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	s := &S3Store{client: fake, bucket: "remittance"}
	ctx := context.Background()

	put, err := s.Put(ctx, Object{Key: "era/1.pdf", ContentType: "application/pdf", Metadata: map[string]string{"posting": "1"}}, strings.NewReader("pdf"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fake.objects["era/1.pdf"].Metadata[metaSHA256] != put.SHA256 {
		t.Error("expected digest stored as object metadata")
	}
	if fake.objects["era/1.pdf"].ACL != types.ObjectCannedACLPrivate {
		t.Error("expected private ACL")
	}

	rc, obj, err := s.Get(ctx, "era/1.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if obj.SHA256 != put.SHA256 || obj.Size != 3 {
		t.Errorf("unexpected object %+v", obj)
	}
}

func TestS3Store_NotFound(t *testing.T) {
	s := &S3Store{client: newFakeS3(), bucket: "remittance"}
	if _, _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
