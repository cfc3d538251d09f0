package archive

import "github.com/blockjoy/babel/internal/manifest"

// ManifestDescriptor is the manifest type the archive engine operates on.
type ManifestDescriptor = manifest.Manifest

// Config controls a download or upload run. Zero-value fields are filled by
// ApplyDefaults from spec.md §4.6's documented defaults, mirroring
// internal/job.Config.ApplyDefaults.
type Config struct {
	MaxConnections int
	MaxRunners     int
	CompressLevel  int // zstd level (1..22); 0 = Upload's default level 3
	Exclude        []string
	NumberOfChunks int
	URLExpiresSecs int
}

// ApplyDefaults fills unset fields with spec-documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 3
	}
	if c.MaxRunners <= 0 {
		c.MaxRunners = 8
	}
	if c.URLExpiresSecs <= 0 {
		c.URLExpiresSecs = 900
	}
}

// Progress reports aggregate byte/chunk counts for a running transfer, the
// same shape internal/job.Progress exposes to the supervisor.
type Progress struct {
	ChunksDone  int
	ChunksTotal int
	BytesDone   uint64
	BytesTotal  uint64
}
