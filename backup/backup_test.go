package backup

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleBackup = map[string]string{
	"metadata/db1.sql":                     "CREATE DATABASE db1",
	"metadata/db1/t1.sql":                  "CREATE TABLE t1 (id INT)",
	"metadata/db1/t2.sql":                  "CREATE TABLE t2 (id INT)",
	"data/db1/t1/part-0.rows.zst":          "rows",
	"shards/1/replicas/1/metadata/db2.sql": "CREATE DATABASE db2",
}

func newMemoryBackup(t *testing.T) Reader {
	t.Helper()
	m := NewMemory()
	for k, v := range sampleBackup {
		m.PutString(k, v)
	}
	return m
}

func newDirBackup(t *testing.T) Reader {
	t.Helper()
	root := t.TempDir()
	for k, v := range sampleBackup {
		p := filepath.Join(root, filepath.FromSlash(k))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(v), 0o644))
	}
	d, err := NewDir(root)
	require.NoError(t, err)
	return d
}

func newS3Backup(t *testing.T) Reader {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)
	require.NoError(t, backend.CreateBucket("backups"))

	config := aws.NewConfig()
	config.WithEndpoint(ts.URL)
	config.WithRegion("region")
	config.WithCredentials(credentials.NewStaticCredentials("dummy-access", "dummy-secret", ""))
	config.WithS3ForcePathStyle(true)
	svc := s3.New(session.Must(session.NewSession()), config)

	for k, v := range sampleBackup {
		_, err := svc.PutObject(&s3.PutObjectInput{
			Bucket: aws.String("backups"),
			Key:    aws.String("nightly/" + k),
			Body:   bytes.NewReader([]byte(v)),
		})
		require.NoError(t, err)
	}
	return NewS3WithClient(svc, "backups", "/nightly/")
}

func TestReaders(t *testing.T) {
	readers := map[string]func(*testing.T) Reader{
		"memory": newMemoryBackup,
		"dir":    newDirBackup,
		"s3":     newS3Backup,
	}

	for name, build := range readers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := build(t)

			ok, err := r.FileExists(ctx, "metadata/db1.sql")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = r.FileExists(ctx, "/metadata/db9.sql")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = r.HasFiles(ctx, "data/db1/t1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = r.HasFiles(ctx, "data/db1/t2")
			require.NoError(t, err)
			assert.False(t, ok)

			names, err := r.ListFiles(ctx, "metadata", false)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"db1.sql", "db1"}, names)

			names, err = r.ListFiles(ctx, "metadata/db1", true)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"t1.sql", "t2.sql"}, names)

			names, err = r.ListFiles(ctx, "shards", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"1"}, names)

			names, err = r.ListFiles(ctx, "missing", false)
			require.NoError(t, err)
			assert.Empty(t, names)

			content, err := ReadAll(ctx, r, "metadata/db1/t1.sql")
			require.NoError(t, err)
			assert.Equal(t, "CREATE TABLE t1 (id INT)", string(content))

			_, err = ReadAll(ctx, r, "metadata/db1/t9.sql")
			assert.True(t, errors.Is(err, ErrFileNotFound), "got %v", err)

			sizer, ok := r.(Sizer)
			require.True(t, ok)
			size, err := sizer.TotalSize(ctx, "data")
			require.NoError(t, err)
			assert.Equal(t, int64(len("rows")), size)
		})
	}
}

func TestClean(t *testing.T) {
	assert.Equal(t, "", Clean("/"))
	assert.Equal(t, "a/b", Clean("/a//b/"))
	assert.Equal(t, "a/c", Clean("a/b/../c"))
}

func TestNewDirRequiresDirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))

	_, err := NewDir(f)
	assert.Error(t, err)

	_, err = NewDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
