package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/crypto"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/transfer"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

// TestUploadDownloadThroughServer drives the real pipelines against the
// handler, with the fake backend standing in for the bucket.
func TestUploadDownloadThroughServer(t *testing.T) {
	const chunkSize = 1024
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	client, err := apiclient.NewClient(srv.URL)
	require.NoError(t, err)
	pool := workerpool.New(4)
	defer pool.Terminate()

	opts := transfer.Options{ChunkSize: chunkSize}
	store := objectstore.NewHTTPStore(nil)
	uploader := transfer.NewUploader(client, store, pool, opts)
	downloader := transfer.NewDownloader(client, store, pool, opts)

	for _, size := range []int{10, 3*chunkSize + 5} {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		res, err := uploader.UploadFile(context.Background(), transfer.UploadRequest{
			Source:     transfer.NewBytesSource("secret.bin", "application/octet-stream", plain),
			Passphrase: "correct horse",
		})
		require.NoError(t, err)
		assert.Equal(t, size >= chunkSize, res.Multipart)

		stored, ok := s.backend.object(res.ObjectKey)
		require.True(t, ok)
		assert.False(t, bytes.Contains(stored, plain), "object must be ciphertext")
		want := crypto.SaltSize
		for _, r := range crypto.PlainRanges(int64(size), chunkSize) {
			want += crypto.FramedSize(int(r.Length))
		}
		assert.Len(t, stored, want)

		got, err := downloader.DownloadFile(context.Background(), transfer.DownloadRequest{
			FileID:     res.FileID,
			Passphrase: "correct horse",
		})
		require.NoError(t, err)
		assert.Equal(t, "secret.bin", got.Name)
		assert.Equal(t, plain, got.Data)
	}
	assert.Empty(t, s.backend.aborted)
}
