package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// fileLoc tracks the remaining unconsumed range of a source file while the
// mapper packs it into chunk destinations.
type fileLoc struct {
	path string
	pos  uint64
	size uint64
}

// ListSources recursively walks root and returns every regular file found,
// skipping symlinks, with the aggregate size. fileLoc.path is relative to
// root, since both the upload and download sides treat Destination.Path as
// root-relative (srcRoot on upload, destRoot on download). Grounded on
// upload_job.rs's sources_list.
func ListSources(root string) (totalSize uint64, sources []fileLoc, err error) {
	totalSize, abs, err := listSourcesAbs(root)
	if err != nil {
		return 0, nil, err
	}
	sources = make([]fileLoc, len(abs))
	for i, f := range abs {
		rel, err := filepath.Rel(root, f.path)
		if err != nil {
			return 0, nil, err
		}
		sources[i] = fileLoc{path: rel, pos: f.pos, size: f.size}
	}
	return totalSize, sources, nil
}

// listSourcesAbs is ListSources's recursive worker: it returns absolute
// filesystem paths, which ListSources relativizes to root once at the top.
func listSourcesAbs(root string) (totalSize uint64, sources []fileLoc, err error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		info, err := os.Lstat(path)
		if err != nil {
			return 0, nil, err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			continue
		case info.IsDir():
			size, sub, err := listSourcesAbs(path)
			if err != nil {
				return 0, nil, err
			}
			totalSize += size
			sources = append(sources, sub...)
		case info.Mode().IsRegular():
			totalSize += uint64(info.Size())
			sources = append(sources, fileLoc{path: path, pos: 0, size: uint64(info.Size())})
		}
	}
	return totalSize, sources, nil
}

// FilterExcludes drops sources whose path (already relative to root, see
// ListSources) matches any of the doublestar glob patterns, grounded on
// gonimbus's pkg/manifest.MatchConfig.Excludes handling.
func FilterExcludes(root string, sources []fileLoc, excludes []string) ([]fileLoc, error) {
	if len(excludes) == 0 {
		return sources, nil
	}
	var kept []fileLoc
	for _, s := range sources {
		excluded := false
		for _, pat := range excludes {
			ok, err := doublestar.Match(pat, s.path)
			if err != nil {
				return nil, fmt.Errorf("invalid exclude pattern %q: %w", pat, err)
			}
			if ok {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

// buildDestinations consumes from the tail of sources (sorted ascending by
// path) until chunkSize bytes have been assigned or sources run out.
// Faithful port of upload_job.rs's build_destinations: files are packed
// starting from the lexicographically last remaining file, which is what
// makes the mapping deterministic given a fixed (sorted) input and
// parameters, per spec §4.5.
func buildDestinations(chunkSize uint64, sources *[]fileLoc) []Destination {
	var destinations []Destination
	var bytesInSlot uint64
	for bytesInSlot < chunkSize {
		for len(*sources) > 0 && (*sources)[len(*sources)-1].size == 0 {
			*sources = (*sources)[:len(*sources)-1]
		}
		if len(*sources) == 0 {
			break
		}
		file := &(*sources)[len(*sources)-1]
		destSize := file.size
		if remaining := chunkSize - bytesInSlot; remaining < destSize {
			destSize = remaining
		}
		destinations = append(destinations, Destination{Path: file.path, Position: file.pos, Size: destSize})
		file.size -= destSize
		file.pos += destSize
		bytesInSlot += destSize
	}
	return destinations
}

// BuildBlueprint produces the deterministic ordered chunk list for root: the
// same tree plus the same (excludes, chunkSize, numberOfChunks) parameters
// always yields a byte-identical blueprint (spec §4.5). chunkSize is the
// default ≈500MB target; if numberOfChunks > 0 it overrides chunkSize by
// dividing totalSize evenly (with the remainder folded into the last chunk),
// matching upload_job.rs's slot-based prepare_blueprint.
func BuildBlueprint(root string, excludes []string, chunkSize uint64, numberOfChunks int) (Manifest, error) {
	totalSize, sources, err := ListSources(root)
	if err != nil {
		return Manifest{}, err
	}
	sources, err = FilterExcludes(root, sources, excludes)
	if err != nil {
		return Manifest{}, err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].path < sources[j].path })

	var chunks []Chunk
	if numberOfChunks > 0 {
		if totalSize == 0 {
			return Manifest{Header: Header{TotalSize: 0, ChunksCount: 0}}, nil
		}
		perChunk := totalSize / uint64(numberOfChunks)
		lastChunk := perChunk + totalSize%uint64(numberOfChunks)
		for i := 0; i < numberOfChunks; i++ {
			size := perChunk
			if i == numberOfChunks-1 {
				size = lastChunk
			}
			dests := buildDestinations(size, &sources)
			if len(dests) == 0 {
				break
			}
			chunks = append(chunks, Chunk{Index: uint32(i), Destinations: dests})
		}
	} else {
		if chunkSize == 0 {
			chunkSize = 500 * 1024 * 1024
		}
		for i := uint32(0); ; i++ {
			dests := buildDestinations(chunkSize, &sources)
			if len(dests) == 0 {
				break
			}
			chunks = append(chunks, Chunk{Index: i, Destinations: dests})
		}
	}

	return Manifest{
		Header: Header{
			TotalSize:   totalSize,
			ChunksCount: uint32(len(chunks)),
		},
		Chunks: chunks,
	}, nil
}
