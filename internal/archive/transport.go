// Package archive implements the Archive Engine (spec §4.6): parallel,
// resumable chunked upload and download of a node's protocol data against a
// control-plane that hands out pre-signed chunk URLs. Grounded on
// 3leaps-gonimbus's pkg/transfer/transfer.go worker-pool shape (bounded
// channels, atomic progress counters, config-with-defaults), with the
// chunk/destination model supplied by internal/manifest and the chunk
// mapping ported from original_source/babel/src/upload_job.rs.
package archive

import (
	"context"
	"io"
)

// UploadSlot is a destination the control plane hands back for a chunk about
// to be uploaded: where to PUT the compressed bytes and until when that URL
// is valid.
type UploadSlot struct {
	ChunkIndex   uint32
	UploadURL    string
	ExpiresAtSec int64
}

// Transport is everything the archive engine needs from the control plane
// (spec §6): fetching a manifest, fetching/requesting chunk transfer
// locations, and finalizing an uploaded manifest. Kept as an interface here
// so internal/archive has no import-time dependency on internal/controlplane;
// the latter provides the concrete implementation used by production code.
type Transport interface {
	// FetchManifest retrieves the full manifest for (archiveID, dataVersion).
	FetchManifest(ctx context.Context, archiveID, dataVersion string) (ManifestReader, error)

	// FetchChunk opens a streaming reader of a chunk's (possibly compressed)
	// bytes from its pre-signed download URL.
	FetchChunk(ctx context.Context, chunkKey string) (io.ReadCloser, error)

	// RequestUploadSlots asks the control plane for one pre-signed PUT URL
	// per chunk index in indices.
	RequestUploadSlots(ctx context.Context, archiveID, dataVersion string, indices []uint32) ([]UploadSlot, error)

	// PutChunk uploads size bytes read from r to the given pre-signed URL.
	PutChunk(ctx context.Context, uploadURL string, r io.Reader, size int64) error

	// PutManifest finalizes an uploaded manifest, making it discoverable by
	// later downloaders.
	PutManifest(ctx context.Context, m ManifestDescriptor) error
}

// ManifestReader is the manifest FetchManifest returns: an alias of
// ManifestDescriptor (itself internal/manifest.Manifest), header and full
// chunk list included, named for readability in the Transport interface's
// signature.
type ManifestReader = ManifestDescriptor
