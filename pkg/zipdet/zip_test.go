package zipdet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/magic-link/pkg/zipdet"
)

func TestBuild_Deterministic(t *testing.T) {
	entries := []zipdet.Entry{
		{Path: "b/two.json", Body: []byte(`{"n":2}`)},
		{Path: "a/one.json", Body: []byte(`{"n":1}`)},
		{Path: "index.json", Body: []byte(`{}`)},
	}

	first, err := zipdet.Build(entries)
	require.NoError(t, err)

	// Shuffle input order; output bytes must be identical.
	reordered := []zipdet.Entry{entries[2], entries[0], entries[1]}
	second, err := zipdet.Build(reordered)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuild_SortsEntriesByPath(t *testing.T) {
	archive, err := zipdet.Build([]zipdet.Entry{
		{Path: "z.txt", Body: []byte("z")},
		{Path: "a.txt", Body: []byte("a")},
		{Path: "m/x.txt", Body: []byte("m")},
	})
	require.NoError(t, err)

	paths, err := zipdet.List(archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "m/x.txt", "z.txt"}, paths)
}

func TestBuild_RejectsDuplicatePaths(t *testing.T) {
	_, err := zipdet.Build([]zipdet.Entry{
		{Path: "dup.txt", Body: []byte("1")},
		{Path: "dup.txt", Body: []byte("2")},
	})
	assert.Error(t, err)
}

func TestRead_RoundTrip(t *testing.T) {
	archive, err := zipdet.Build([]zipdet.Entry{
		{Path: "ingest_key.txt", Body: []byte("igk_abc123")},
	})
	require.NoError(t, err)

	body, err := zipdet.Read(archive, "ingest_key.txt")
	require.NoError(t, err)
	assert.Equal(t, "igk_abc123", string(body))

	_, err = zipdet.Read(archive, "missing.txt")
	assert.Error(t, err)
}
