package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/blockjoy/babel/internal/manifest"
	babelruntime "github.com/blockjoy/babel/internal/runtime"
)

// Uploader builds a chunk blueprint for a source tree and uploads it in
// parallel, resuming from a progress file. Grounded on
// original_source/babel/src/upload_job.rs's ParallelChunkUploaders /
// ChunkUploader / DestinationsReader, translated into gonimbus's
// channel-plus-WaitGroup worker pool shape.
type Uploader struct {
	Transport Transport
}

func NewUploader(t Transport) *Uploader { return &Uploader{Transport: t} }

// Upload walks srcRoot, builds a deterministic chunk blueprint, compresses
// and uploads each not-yet-completed chunk, and finalizes the manifest.
func (u *Uploader) Upload(ctx context.Context, archiveID, dataVersion, srcRoot, progressPath string, cfg Config) (Progress, error) {
	cfg.ApplyDefaults()
	if cfg.CompressLevel <= 0 {
		cfg.CompressLevel = 3
	}
	if err := babelruntime.EnsureOpenFileBudget(uint64(cfg.MaxRunners) * 4); err != nil {
		log.Warn().Err(err).Msg("could not raise open file budget for upload")
	}

	runID := uuid.NewString()
	log.Info().Str("run_id", runID).Str("archive_id", archiveID).Str("src", srcRoot).Msg("starting upload")

	blueprint, err := manifest.BuildBlueprint(srcRoot, cfg.Exclude, 0, cfg.NumberOfChunks)
	if err != nil {
		return Progress{}, fmt.Errorf("build blueprint: %w", err)
	}
	blueprint.ArchiveID = archiveID
	blueprint.DataVersion = dataVersion
	blueprint.Header.Compression = &manifest.ZstdCompression{Level: cfg.CompressLevel}

	pf, err := newProgressFile(progressPath)
	if err != nil {
		log.Warn().Err(err).Str("path", progressPath).Msg("progress file reset")
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.MaxConnections), cfg.MaxConnections)

	type indexedChunk struct {
		idx   int
		chunk manifest.Chunk
	}
	workCh := make(chan indexedChunk)
	errCh := make(chan error, 1)
	var chunksDone, bytesDone atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxRunners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				if err := limiter.Wait(ctx); err != nil {
					reportErr(errCh, err)
					return
				}
				key, size, checksum, err := u.uploadChunk(ctx, srcRoot, archiveID, dataVersion, item.chunk, cfg.CompressLevel)
				if err != nil {
					reportErr(errCh, fmt.Errorf("chunk %d: %w", item.chunk.Index, err))
					return
				}
				blueprint.Chunks[item.idx].Key = key
				blueprint.Chunks[item.idx].Size = size
				blueprint.Chunks[item.idx].Checksum = checksum
				if err := pf.markDone(item.chunk.Index); err != nil {
					log.Warn().Err(err).Uint32("chunk", item.chunk.Index).Msg("could not persist upload progress")
				}
				chunksDone.Add(1)
				bytesDone.Add(int64(size))
			}
		}()
	}

feed:
	for i, chunk := range blueprint.Chunks {
		if pf.isDone(chunk.Index) {
			chunksDone.Add(1)
			continue
		}
		select {
		case workCh <- indexedChunk{idx: i, chunk: chunk}:
		case <-ctx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return Progress{}, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return Progress{}, err
	}

	if err := u.Transport.PutManifest(ctx, blueprint); err != nil {
		return Progress{}, fmt.Errorf("finalize manifest: %w", err)
	}
	if err := pf.remove(); err != nil {
		log.Warn().Err(err).Msg("could not remove completed progress file")
	}

	return Progress{
		ChunksDone:  int(chunksDone.Load()),
		ChunksTotal: len(blueprint.Chunks),
		BytesDone:   uint64(bytesDone.Load()),
		BytesTotal:  blueprint.TotalSize,
	}, nil
}

// uploadChunk reads the chunk's destinations into memory, digests those
// uncompressed bytes (the checksum a downloader verifies after
// decompressing), compresses them with zstd into a second buffer (chunks are
// sized to stay within a bounded-memory worker budget per spec §4.6),
// requests a pre-signed slot, and PUTs the compressed buffer.
func (u *Uploader) uploadChunk(ctx context.Context, srcRoot, archiveID, dataVersion string, chunk manifest.Chunk, level int) (key string, size uint64, checksum manifest.Checksum, err error) {
	var rawBuf bytes.Buffer
	hasher := sha256.New()
	raw := io.MultiWriter(&rawBuf, hasher)

	for _, dest := range chunk.Destinations {
		if err := copyRange(raw, filepath.Join(srcRoot, dest.Path), int64(dest.Position), int64(dest.Size)); err != nil {
			return "", 0, manifest.Checksum{}, err
		}
	}
	copy(checksum.Sha256[:], hasher.Sum(nil))

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return "", 0, manifest.Checksum{}, fmt.Errorf("open zstd writer: %w", err)
	}
	if _, err := enc.Write(rawBuf.Bytes()); err != nil {
		enc.Close()
		return "", 0, manifest.Checksum{}, err
	}
	if err := enc.Close(); err != nil {
		return "", 0, manifest.Checksum{}, err
	}

	key = fmt.Sprintf("%s/%s/chunk-%d", archiveID, dataVersion, chunk.Index)
	slots, err := u.Transport.RequestUploadSlots(ctx, archiveID, dataVersion, []uint32{chunk.Index})
	if err != nil {
		return "", 0, manifest.Checksum{}, fmt.Errorf("request upload slot: %w", err)
	}
	if len(slots) != 1 {
		return "", 0, manifest.Checksum{}, fmt.Errorf("expected 1 upload slot, got %d", len(slots))
	}

	size = uint64(compressed.Len())
	if err := u.Transport.PutChunk(ctx, slots[0].UploadURL, bytes.NewReader(compressed.Bytes()), int64(size)); err != nil {
		return "", 0, manifest.Checksum{}, fmt.Errorf("put chunk: %w", err)
	}
	return key, size, checksum, nil
}

func copyRange(dst io.Writer, path string, offset, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, io.NewSectionReader(f, offset, size))
	return err
}
