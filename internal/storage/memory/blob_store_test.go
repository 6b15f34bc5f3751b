package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutObjectStoresCopy(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("conteudo do edital")

	uri, err := store.PutObject(context.Background(), "tenders/1/doc-2.pdf", "application/pdf", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://tenders/1/doc-2.pdf", uri)

	// Mutating the caller's slice must not reach the stored object.
	payload[0] = 'X'

	obj, ok := store.Get("tenders/1/doc-2.pdf")
	require.True(t, ok)
	assert.Equal(t, "application/pdf", obj.ContentType)
	assert.Equal(t, []byte("conteudo do edital"), obj.Data)
	assert.Equal(t, 1, store.Len())
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "text/plain", []byte("x"))
	require.Error(t, err)
}
