package memory_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurewatch/tendercrawl/internal/blob/memory"
)

func TestPutAndGet(t *testing.T) {
	store := memory.New()

	uri, err := store.Put(context.Background(), "T-001/doc.pdf", "application/pdf", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, "memory://T-001/doc.pdf", uri)

	payload, ok := store.Get("T-001/doc.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), payload)
	assert.Equal(t, 1, store.Len())

	_, ok = store.Get("missing")
	assert.False(t, ok)
}
