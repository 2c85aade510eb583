package persist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGCSWriter struct {
	obj *fakeGCSObject
	buf bytes.Buffer
}

func (w *fakeGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

// Close commits the object, matching the real writer.
func (w *fakeGCSWriter) Close() error {
	w.obj.bucket.Lock()
	defer w.obj.bucket.Unlock()
	w.obj.bucket.data[w.obj.name] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

type fakeGCSObject struct {
	bucket *fakeGCSBucket
	name   string
}

func (o *fakeGCSObject) NewWriter(context.Context) io.WriteCloser {
	return &fakeGCSWriter{obj: o}
}

func (o *fakeGCSObject) NewReader(context.Context) (io.ReadCloser, error) {
	o.bucket.Lock()
	defer o.bucket.Unlock()
	data, ok := o.bucket.data[o.name]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *fakeGCSObject) Delete(context.Context) error {
	o.bucket.Lock()
	defer o.bucket.Unlock()
	if _, ok := o.bucket.data[o.name]; !ok {
		return ErrNotFound
	}
	delete(o.bucket.data, o.name)
	return nil
}

type fakeGCSBucket struct {
	sync.Mutex
	data map[string][]byte
}

func (b *fakeGCSBucket) Object(name string) GCSObjectHandle {
	return &fakeGCSObject{bucket: b, name: name}
}

type fakeGCSClient struct {
	bucket *fakeGCSBucket
}

func (c *fakeGCSClient) Bucket(string) GCSBucketHandle { return c.bucket }

func TestGCSStore(t *testing.T) {
	ctx := context.Background()
	client := &fakeGCSClient{bucket: &fakeGCSBucket{data: make(map[string][]byte)}}
	s, err := NewGCSStore(GCSConfig{BucketName: "b", ObjectPrefix: "cache"}, client, zerolog.Nop())
	require.NoError(t, err)

	hash := `["docs",{"path":"a/b"}]`
	rec := Record{Key: hash, Data: []byte(`[1,2]`), UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	t.Run("object names are path safe", func(t *testing.T) {
		name := s.objectName(hash)
		assert.Equal(t, "cache/"+docID(hash)+".json", name)
		assert.NotContains(t, name[len("cache/"):], "/")
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, hash, rec))

		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.JSONEq(t, `[1,2]`, string(got.Data))
	})

	t.Run("missing objects", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, hash))
		_, err := s.Get(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("constructor validation", func(t *testing.T) {
		_, err := NewGCSStore(GCSConfig{}, client, zerolog.Nop())
		require.Error(t, err)
		_, err = NewGCSStore(GCSConfig{BucketName: "b"}, nil, zerolog.Nop())
		require.Error(t, err)
	})
}

func TestGCSStore_CorruptObject(t *testing.T) {
	client := &fakeGCSClient{bucket: &fakeGCSBucket{data: make(map[string][]byte)}}
	s, err := NewGCSStore(GCSConfig{BucketName: "b"}, client, zerolog.Nop())
	require.NoError(t, err)
	client.bucket.data[s.objectName("h")] = []byte("{not json")

	_, err = s.Get(context.Background(), "h")

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
