package store

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFakeS3(t *testing.T, prefix string) *S3 {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)

	bucket := "wa-sessions"
	require.NoError(t, backend.CreateBucket(bucket))

	b, err := NewS3(S3Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       true,
		ForcePathStyle: true,
		AccessKey:      "test",
		SecretKey:      "test",
	})
	require.NoError(t, err)
	return b
}

func TestS3Backend(t *testing.T) {
	runBackendSuite(t, setupFakeS3(t, ""))
}

func TestS3Backend_Prefix(t *testing.T) {
	b := setupFakeS3(t, "/tenants/")
	assert.Equal(t, "tenants/sessions/default.bin", b.object("default"))

	ctx := context.Background()
	s := New(b, Options{})
	require.NoError(t, s.Save(ctx, "default", []byte("blob")))
	data, ok := s.Load(ctx, "default")
	require.True(t, ok)
	assert.Equal(t, []byte("blob"), data)
}
