// Package manifest implements the Manifest Model & Chunk Mapper (spec §4.5):
// the canonical chunk/destination wire types and the deterministic
// filesystem-to-chunk mapping. Grounded on 3leaps-gonimbus/pkg/manifest's
// config-struct-with-defaults style and original_source/babel/src/upload_job.rs's
// sources_list/build_destinations mapping algorithm.
package manifest

// ZstdCompression is the on-wire compression tag when compression is in use.
// Header.Compression == nil means "none", per spec §4.5.
type ZstdCompression struct {
	Level int `json:"level"`
}

// Checksum is the algorithm-tagged digest of a chunk's decompressed bytes.
// The canonical form pins sha256 (§4.5); a content-addressed digest of
// anything else is out of scope here even though the original upstream
// implementation used BLAKE3 internally (see SPEC_FULL.md supplemented
// features note 6).
type Checksum struct {
	Sha256 [32]byte `json:"sha256"`
}

// Destination is one file range written/read by a chunk.
type Destination struct {
	Path     string `json:"path"`
	Position uint64 `json:"position"`
	Size     uint64 `json:"size"`
}

// Chunk is one independently transferable piece of a manifest.
type Chunk struct {
	Index        uint32        `json:"index"`
	Key          string        `json:"key"`
	Checksum     Checksum      `json:"checksum"`
	Size         uint64        `json:"size"`
	Destinations []Destination `json:"destinations"`
}

// Header is everything about a manifest except the chunk list.
type Header struct {
	TotalSize   uint64           `json:"total_size"`
	Compression *ZstdCompression `json:"compression,omitempty"`
	ChunksCount uint32           `json:"chunks_count"`
}

// Manifest is the full header + body.
type Manifest struct {
	Header
	ArchiveID   string  `json:"archive_id"`
	DataVersion string  `json:"data_version"`
	Chunks      []Chunk `json:"chunks"`
}

// Identity returns the (archive_id, data_version) pair that identifies a
// manifest across header/body requests.
func (m Manifest) Identity() (archiveID, dataVersion string) {
	return m.ArchiveID, m.DataVersion
}
