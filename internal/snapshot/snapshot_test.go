package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() *State {
	return &State{
		Connections: []ConnRecord{
			{IP: "127.0.0.1", Port: "49152", Name: "alice"},
			{IP: "127.0.0.1", Port: "49153", Name: "bob"},
		},
		Items: []ItemRecord{
			{
				ID:             7,
				Description:    "Ceramic mug with handle",
				Minimum:        5.0,
				CurrentHighest: 6.5,
				Seller:         "127.0.0.1:49152",
				HighestBidder:  "127.0.0.1:49153",
				Elapsed:        2 * time.Second,
			},
			{
				ID:             9,
				Description:    "Lamp",
				Minimum:        3.25,
				CurrentHighest: 3.25,
				Seller:         "127.0.0.1:49153",
				HighestBidder:  "",
				Elapsed:        1500 * time.Millisecond,
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Config{Path: filepath.Join(dir, "connections.dat")})

	want := testState()
	store.Save(want)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want.Connections, got.Connections)
	assert.Equal(t, want.Items, got.Items)
}

func TestLoadMissingFileYieldsEmptyState(t *testing.T) {
	store := NewStore(Config{Path: filepath.Join(t.TempDir(), "connections.dat")})

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got.Connections)
	assert.Empty(t, got.Items)
}

func TestLoadCorruptFile(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage count", "not-a-number\n"},
		{"truncated connection", "1\n127.0.0.1\n"},
		{"bad price", "0\n1\n7\nMug\nfive\n5\nseller\n\n100\n"},
		{"truncated item", "0\n1\n7\nMug\n"},
		{"zero item id", "0\n1\n0\nMug\n5\n5\nseller\n\n100\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "connections.dat")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))

			_, err := NewStore(Config{Path: path}).Load()
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestSaveIsAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(Config{Path: filepath.Join(dir, "connections.dat")})

	store.Save(testState())
	store.Save(&State{})

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got.Connections)
	assert.Empty(t, got.Items)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEmptyHighestBidderSurvivesRoundTrip(t *testing.T) {
	store := NewStore(Config{Path: filepath.Join(t.TempDir(), "connections.dat")})

	want := &State{Items: []ItemRecord{{
		ID: 1, Description: "Mug", Minimum: 5, CurrentHighest: 5,
		Seller: "127.0.0.1:49152", HighestBidder: "", Elapsed: time.Second,
	}}}
	store.Save(want)

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Empty(t, got.Items[0].HighestBidder)
}

func TestArchiveWritesCompressedCopy(t *testing.T) {
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archive")
	store := NewStore(Config{
		Path:          filepath.Join(dir, "connections.dat"),
		ArchiveDir:    archiveDir,
		RetentionDays: 30,
	})

	want := testState()
	store.Save(want)
	store.Save(&State{})

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".zst", filepath.Ext(entries[0].Name()))

	// Archived copy decompresses back to the first snapshot.
	f, err := os.Open(filepath.Join(archiveDir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	data, err := io.ReadAll(dec)
	require.NoError(t, err)

	got, err := unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, want.Connections, got.Connections)
	assert.Equal(t, want.Items, got.Items)
}

func TestMarshalPreservesDescriptionSpaces(t *testing.T) {
	state := &State{Items: []ItemRecord{{
		ID: 3, Description: "A very old wall clock", Minimum: 10, CurrentHighest: 10,
		Seller: "127.0.0.1:5000",
	}}}

	got, err := unmarshal(marshal(state))
	require.NoError(t, err)
	assert.Equal(t, "A very old wall clock", got.Items[0].Description)
}
