package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, "user-1/art-1/adapter_model.bin", ArtifactPath("user-1", "art-1", "adapter_model.bin"))
	// File names from the provider never escape the artifact prefix.
	assert.Equal(t, "user-1/art-1/passwd", ArtifactPath("user-1", "art-1", "../../etc/passwd"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType("adapter_config.json"))
	assert.Equal(t, "text/plain", ContentType("README.md"))
	assert.Equal(t, "application/octet-stream", ContentType("adapter_model.safetensors"))
}

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjectStore()
	store.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	_, err := store.SignedURL(ctx, "lora-datasets", "u/d.jsonl", time.Hour)
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	data := []byte(`{"text":"hi"}`)
	require.NoError(t, store.Upload(ctx, "lora-datasets", "u/d.jsonl", data, "application/jsonl"))
	data[0] = 'x'

	obj, ok := store.Object("lora-datasets", "u/d.jsonl")
	require.True(t, ok)
	assert.Equal(t, `{"text":"hi"}`, string(obj.Data))

	signed, err := store.SignedURL(ctx, "lora-datasets", "u/d.jsonl", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "memory://lora-datasets/u/d.jsonl?"))
	assert.Contains(t, signed, "expires=2024-03-02T00%3A00%3A00Z")
}

func TestMemoryObjectStoreInjectedFailure(t *testing.T) {
	store := NewMemoryObjectStore()
	store.FailPaths["lora-models/u/a/f.bin"] = errors.New("quota exceeded")

	err := store.Upload(context.Background(), "lora-models", "u/a/f.bin", []byte("x"), "")
	assert.EqualError(t, err, "quota exceeded")
	assert.Equal(t, 0, store.Len())
}
