package store

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	s3iface.S3API
	existing map[string]bool
	objects  map[string]string
	headErr  error
	putErr   error
	puts     []string
}

func (m *mockS3Client) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	if m.existing[aws.StringValue(in.Key)] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, awserr.New("NotFound", "Not Found", nil)
}

func (m *mockS3Client) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	k := aws.StringValue(in.Key)
	m.puts = append(m.puts, k)
	if m.existing == nil {
		m.existing = map[string]bool{}
	}
	m.existing[k] = true
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	if body, ok := m.objects[aws.StringValue(in.Key)]; ok {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
	}
	return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
}

func packagePuts(puts []string) []string {
	var out []string
	for _, k := range puts {
		if strings.HasSuffix(k, ".zip") {
			out = append(out, k)
		}
	}
	return out
}

func TestS3Put(t *testing.T) {
	mock := &mockS3Client{}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts", Prefix: "ci", Actor: "tester"}, mock)
	a := makeTestArtifact(t, "package-bytes")

	ref, err := s.Put(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "s3", ref.Backend)
	assert.Equal(t, "artifacts", ref.Bucket)
	assert.Equal(t, "ci/app/"+a.Digest.Encoded()+".zip", ref.Key)
	// One package object, one audit record.
	require.Len(t, packagePuts(mock.puts), 1)
	require.Len(t, mock.puts, 2)
}

func TestS3PutIdempotent(t *testing.T) {
	mock := &mockS3Client{}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts"}, mock)
	a := makeTestArtifact(t, "package-bytes")

	_, err := s.Put(context.Background(), a)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), a)
	require.NoError(t, err)

	// The second put must not re-upload the package, but still adds
	// an audit record.
	assert.Len(t, packagePuts(mock.puts), 1)
	assert.Len(t, mock.puts, 3)
}

func TestS3PutUnavailable(t *testing.T) {
	mock := &mockS3Client{headErr: awserr.New("RequestTimeout", "timed out", nil)}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts"}, mock)
	a := makeTestArtifact(t, "package-bytes")

	_, err := s.Put(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsDenied(err))
}

func TestS3PutDenied(t *testing.T) {
	mock := &mockS3Client{headErr: awserr.New("AccessDenied", "no", nil)}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts"}, mock)
	a := makeTestArtifact(t, "package-bytes")

	_, err := s.Put(context.Background(), a)
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.False(t, IsUnavailable(err))
}

func TestS3Get(t *testing.T) {
	mock := &mockS3Client{objects: map[string]string{
		"ci/app/abc.zip": "package-bytes",
	}}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts"}, mock)

	rc, err := s.Get(context.Background(), Ref{Backend: "s3", Bucket: "artifacts", Key: "ci/app/abc.zip"})
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "package-bytes", string(body))

	_, err = s.Get(context.Background(), Ref{Backend: "s3", Bucket: "artifacts", Key: "ci/app/missing.zip"})
	require.Error(t, err)

	_, err = s.Get(context.Background(), Ref{Backend: "local", Key: "/tmp/app.zip"})
	require.Error(t, err)
}

func TestS3Stat(t *testing.T) {
	a := makeTestArtifact(t, "package-bytes")
	mock := &mockS3Client{existing: map[string]bool{
		"app/" + a.Digest.Encoded() + ".zip": true,
	}}
	s := NewS3WithClient(log.NewNopLogger(), S3Config{Bucket: "artifacts"}, mock)

	_, found, err := s.Stat(context.Background(), "app", a.Digest)
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = s.Stat(context.Background(), "other", a.Digest)
	require.NoError(t, err)
	assert.False(t, found)
}
