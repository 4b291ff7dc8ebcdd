package objectstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	exists      bool
	existsErr   error
	made        []string
	puts        map[string][]byte
	contentType string
	expiry      time.Duration
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeClient) MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return miniogo.UploadInfo{}, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[bucket+"/"+object] = data
	f.contentType = opts.ContentType
	return miniogo.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func (f *fakeClient) PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error) {
	f.expiry = expiry
	return url.Parse("https://s3.local/" + bucket + "/" + object + "?X-Amz-Signature=sig")
}

func TestEnsureBucket(t *testing.T) {
	fc := &fakeClient{}
	s := newStorage(fc, Config{Bucket: "masks"})
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Equal(t, []string{"masks"}, fc.made)

	fc = &fakeClient{exists: true}
	s = newStorage(fc, Config{Bucket: "masks"})
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Empty(t, fc.made)

	fc = &fakeClient{existsErr: errors.New("down")}
	s = newStorage(fc, Config{Bucket: "masks"})
	assert.Error(t, s.EnsureBucket(context.Background()))
}

func TestPutPNGPublicURL(t *testing.T) {
	fc := &fakeClient{}
	s := newStorage(fc, Config{Bucket: "masks", PublicBaseURL: "https://cdn.example.com/"})
	u, err := s.PutPNG(context.Background(), "job-1/mask.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/masks/job-1/mask.png", u)
	assert.Equal(t, []byte("png"), fc.puts["masks/job-1/mask.png"])
	assert.Equal(t, "image/png", fc.contentType)
}

func TestPutPNGPresigned(t *testing.T) {
	fc := &fakeClient{}
	s := newStorage(fc, Config{Bucket: "masks"})
	u, err := s.PutPNG(context.Background(), "m.png", []byte("png"))
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature")
	assert.Equal(t, 24*time.Hour, fc.expiry)
}

func TestNewStorageRequiresConfig(t *testing.T) {
	_, err := NewStorage(Config{})
	assert.Error(t, err)
}
