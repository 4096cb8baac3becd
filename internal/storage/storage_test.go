package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	puts      []*s3.PutObjectInput
	deletes   []string
	putErr    error
	deleteErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, f.putErr
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, f.deleteErr
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(nil, "bucket")
	require.Error(t, err)

	_, err = NewS3Store(&fakeS3{}, " ")
	require.Error(t, err)
}

func TestS3Store_Put(t *testing.T) {
	api := &fakeS3{}
	store, err := NewS3Store(api, "chat-attachments")
	require.NoError(t, err)

	err = store.Put(context.Background(), "a/b.png", "image/png", strings.NewReader("png"), 3)
	require.NoError(t, err)
	require.Len(t, api.puts, 1)
	require.Equal(t, "chat-attachments", aws.ToString(api.puts[0].Bucket))
	require.Equal(t, "a/b.png", aws.ToString(api.puts[0].Key))
	require.Equal(t, "image/png", aws.ToString(api.puts[0].ContentType))
	require.Equal(t, int64(3), aws.ToInt64(api.puts[0].ContentLength))

	api.putErr = errors.New("boom")
	require.Error(t, store.Put(context.Background(), "k", "image/png", strings.NewReader(""), 0))
}

func TestS3Store_DeleteTriesEveryKey(t *testing.T) {
	api := &fakeS3{deleteErr: errors.New("denied")}
	store, err := NewS3Store(api, "b")
	require.NoError(t, err)

	err = store.Delete(context.Background(), "k1", "k2")
	require.Error(t, err)
	require.Equal(t, []string{"k1", "k2"}, api.deletes)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "text/plain", strings.NewReader("hello"), 5))
	got, ok := store.Get("k")
	require.True(t, ok)
	require.Equal(t, "hello", string(got))

	require.NoError(t, store.Delete(ctx, "k"))
	require.Equal(t, 0, store.Len())
}

func TestAttachmentKey(t *testing.T) {
	c, m, a := uuid.New(), uuid.New(), uuid.New()
	key := AttachmentKey(c, m, a, "../../etc/my photo.png")
	require.Equal(t, "conversations/"+c.String()+"/"+m.String()+"/"+a.String()+"-my_photo.png", key)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "report.pdf",
		`C:\Users\me\cv.docx`: "cv.docx",
		"":                    "file",
		"ñandú.jpg":           "_and_.jpg",
	}
	for in, want := range tests {
		require.Equal(t, want, SanitizeFilename(in), in)
	}
}
