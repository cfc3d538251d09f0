package archive

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/blockjoy/babel/internal/manifest"
	babelruntime "github.com/blockjoy/babel/internal/runtime"
)

// Downloader fetches a manifest's chunks in parallel into a destination
// tree, resuming from a progress file when one already exists. Grounded on
// gonimbus's pkg/transfer/transfer.go worker-pool shape (bounded channel of
// work items, WaitGroup of fixed-size worker pool, first-error capture,
// atomic progress counters).
type Downloader struct {
	Transport Transport
}

func NewDownloader(t Transport) *Downloader { return &Downloader{Transport: t} }

// Download fetches archiveID/dataVersion into destRoot. progressPath
// persists completed chunk indices so a second call after an interruption
// skips chunks already written and verified.
func (d *Downloader) Download(ctx context.Context, archiveID, dataVersion, destRoot, progressPath string, cfg Config) (Progress, error) {
	cfg.ApplyDefaults()
	if err := babelruntime.EnsureOpenFileBudget(uint64(cfg.MaxRunners) * 4); err != nil {
		log.Warn().Err(err).Msg("could not raise open file budget for download")
	}

	m, err := d.Transport.FetchManifest(ctx, archiveID, dataVersion)
	if err != nil {
		return Progress{}, fmt.Errorf("fetch manifest: %w", err)
	}

	pf, err := newProgressFile(progressPath)
	if err != nil {
		log.Warn().Err(err).Str("path", progressPath).Msg("progress file reset")
	}

	if err := preallocateDestinations(destRoot, m.Chunks); err != nil {
		return Progress{}, fmt.Errorf("preallocate destinations: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.MaxConnections), cfg.MaxConnections)

	chunkCh := make(chan manifest.Chunk)
	errCh := make(chan error, 1)
	var chunksDone, bytesDone atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxRunners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunkCh {
				if err := limiter.Wait(ctx); err != nil {
					reportErr(errCh, err)
					return
				}
				n, err := d.downloadChunk(ctx, destRoot, m.Header, chunk)
				if err != nil {
					reportErr(errCh, fmt.Errorf("chunk %d: %w", chunk.Index, err))
					return
				}
				if err := pf.markDone(chunk.Index); err != nil {
					log.Warn().Err(err).Uint32("chunk", chunk.Index).Msg("could not persist download progress")
				}
				chunksDone.Add(1)
				bytesDone.Add(n)
			}
		}()
	}

feed:
	for _, chunk := range m.Chunks {
		if pf.isDone(chunk.Index) {
			chunksDone.Add(1)
			bytesDone.Add(int64(chunk.Size))
			continue
		}
		select {
		case chunkCh <- chunk:
		case <-ctx.Done():
			break feed
		}
	}
	close(chunkCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return Progress{}, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return Progress{}, err
	}

	if err := pf.remove(); err != nil {
		log.Warn().Err(err).Msg("could not remove completed progress file")
	}

	return Progress{
		ChunksDone:  int(chunksDone.Load()),
		ChunksTotal: len(m.Chunks),
		BytesDone:   uint64(bytesDone.Load()),
		BytesTotal:  m.TotalSize,
	}, nil
}

func (d *Downloader) downloadChunk(ctx context.Context, destRoot string, header manifest.Header, chunk manifest.Chunk) (int64, error) {
	body, err := d.Transport.FetchChunk(ctx, chunk.Key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var reader io.Reader = body
	if header.Compression != nil {
		zr, err := zstd.NewReader(body)
		if err != nil {
			return 0, fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)

	var written int64
	for _, dest := range chunk.Destinations {
		f, err := os.OpenFile(filepath.Join(destRoot, dest.Path), os.O_WRONLY, 0o644)
		if err != nil {
			return written, err
		}
		n, err := io.CopyN(&sectionWriter{f, int64(dest.Position)}, tee, int64(dest.Size))
		f.Close()
		written += n
		if err != nil {
			return written, fmt.Errorf("write destination %s: %w", dest.Path, err)
		}
	}

	var got manifest.Checksum
	copy(got.Sha256[:], hasher.Sum(nil))
	if err := manifest.Verify(chunk, got); err != nil {
		return written, err
	}
	return written, nil
}

// sectionWriter adapts os.File.WriteAt to the io.Writer shape io.CopyN wants,
// advancing its own offset as it writes sequential ranges of a chunk.
type sectionWriter struct {
	f   *os.File
	off int64
}

func (w *sectionWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func preallocateDestinations(destRoot string, chunks []manifest.Chunk) error {
	seen := map[string]bool{}
	for _, chunk := range chunks {
		for _, dest := range chunk.Destinations {
			if seen[dest.Path] {
				continue
			}
			seen[dest.Path] = true
			full := filepath.Join(destRoot, dest.Path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			f.Close()
		}
	}
	return nil
}

func reportErr(errCh chan error, err error) {
	select {
	case errCh <- err:
	default:
	}
}
