package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<table></table>")
	uri, err := store.PutObject(context.Background(), "statistics/1/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://statistics/1/page.html", uri)

	payload[0] = 'X'
	data, contentType, err := store.Object("statistics/1/page.html")
	require.NoError(t, err)
	require.Equal(t, "<table></table>", string(data))
	require.Equal(t, "text/html", contentType)
	require.Equal(t, 1, store.Len())

	_, _, err = store.Object("missing")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}
