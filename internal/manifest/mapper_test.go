package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

// TestSourcesList mirrors upload_job.rs's test_sources_list: every file of a
// flat directory is listed and counted in the aggregate size, and
// FilterExcludes then drops the files matching an exclude pattern.
func TestSourcesList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "c.bin"), 30)
	writeFile(t, filepath.Join(root, "a.bin"), 10)
	writeFile(t, filepath.Join(root, "b.bin"), 20)
	writeFile(t, filepath.Join(root, "skip.tmp"), 5)

	total, sources, err := ListSources(root)
	require.NoError(t, err)
	require.Equal(t, uint64(65), total)
	require.Len(t, sources, 4)

	sources, err = FilterExcludes(root, sources, []string{"*.tmp"})
	require.NoError(t, err)
	require.Len(t, sources, 3)
}

// TestBuildSlotDestinations mirrors test_build_slot_destinations: packing a
// chunk consumes from the lexicographically last remaining file first.
func TestBuildSlotDestinations(t *testing.T) {
	sources := []fileLoc{
		{path: "a", size: 10},
		{path: "b", size: 10},
		{path: "c", size: 10},
	}
	dests := buildDestinations(15, &sources)
	require.Len(t, dests, 2)
	require.Equal(t, "c", dests[0].Path)
	require.Equal(t, uint64(0), dests[0].Position)
	require.Equal(t, uint64(10), dests[0].Size)
	require.Equal(t, "b", dests[1].Path)
	require.Equal(t, uint64(0), dests[1].Position)
	require.Equal(t, uint64(5), dests[1].Size)

	// remaining sources: "a" untouched (10 bytes), "b" partially consumed
	// (5 bytes left at position 5), "c" fully consumed and dropped.
	require.Len(t, sources, 2)
	require.Equal(t, "a", sources[0].path)
	require.Equal(t, uint64(10), sources[0].size)
	require.Equal(t, "b", sources[1].path)
	require.Equal(t, uint64(5), sources[1].size)
	require.Equal(t, uint64(5), sources[1].pos)
}

// TestPrepareBlueprint mirrors test_prepare_blueprint: the same tree and
// parameters always produce the same ordered chunk list, and a
// number_of_chunks override divides total size evenly with the remainder in
// the last chunk.
func TestPrepareBlueprint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.bin"), 10)
	writeFile(t, filepath.Join(root, "b.bin"), 10)
	writeFile(t, filepath.Join(root, "c.bin"), 10)

	m1, err := BuildBlueprint(root, nil, 0, 2)
	require.NoError(t, err)
	m2, err := BuildBlueprint(root, nil, 0, 2)
	require.NoError(t, err)
	require.Equal(t, m1, m2)

	require.EqualValues(t, 30, m1.TotalSize)
	require.Len(t, m1.Chunks, 2)
	require.Equal(t, uint64(15), sumDestinations(m1.Chunks[0]))
	require.Equal(t, uint64(15), sumDestinations(m1.Chunks[1]))
}

func TestPrepareBlueprintDefaultChunkSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.bin"), 10)
	writeFile(t, filepath.Join(root, "b.bin"), 10)

	m, err := BuildBlueprint(root, nil, 12, 0)
	require.NoError(t, err)
	require.EqualValues(t, 20, m.TotalSize)
	require.Len(t, m.Chunks, 2)
	require.Equal(t, uint64(12), sumDestinations(m.Chunks[0]))
	require.Equal(t, uint64(8), sumDestinations(m.Chunks[1]))
}

func sumDestinations(c Chunk) uint64 {
	var total uint64
	for _, d := range c.Destinations {
		total += d.Size
	}
	return total
}
