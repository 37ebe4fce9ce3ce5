// Package ingest is the top-level orchestrator: it loads the shared
// uuidtext/dsc cache and timesync store, discovers tracev3 files under a
// root path, and decodes each one (one worker per file, spec §5) into
// batches handed to a sink.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arjunv/unifiedlog/internal/model"
	"github.com/arjunv/unifiedlog/internal/sink"
	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
	"github.com/arjunv/unifiedlog/internal/tlog/catalog"
	"github.com/arjunv/unifiedlog/internal/tlog/chunk"
	"github.com/arjunv/unifiedlog/internal/tlog/filecache"
	"github.com/arjunv/unifiedlog/internal/tlog/largedata"
	"github.com/arjunv/unifiedlog/internal/tlog/subchunk"
	"github.com/arjunv/unifiedlog/internal/tlog/timesync"
)

const batchThreshold = 100_000

// maxWorkers bounds how many tracev3 files decode concurrently; each worker
// owns its own file object, catalog, and LargeDataStore (spec §5).
const maxWorkers = 4

// Options configures a Run.
type Options struct {
	UUIDTextPath string
	TimesyncPath string
	Tracev3Path  string
	OutputPath   string
	Format       sink.Format
	LocalTime    bool
	Log          logrus.FieldLogger
}

func (o Options) logf() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}

// Run executes one end-to-end decode: load caches, discover tracev3 files,
// decode them, and write every record to the configured sink.
func Run(opts Options) (model.Stats, error) {
	var stats model.Stats

	cache := filecache.New(opts.UUIDTextPath)
	if err := cache.LoadDSCs(); err != nil {
		return stats, fmt.Errorf("ingest: loading dsc files: %w", err)
	}

	tsStore := timesync.NewStore()
	if err := tsStore.LoadDir(opts.TimesyncPath); err != nil {
		return stats, fmt.Errorf("ingest: loading timesync files: %w", err)
	}

	files, err := discoverTracev3Files(opts.Tracev3Path)
	if err != nil {
		return stats, fmt.Errorf("ingest: discovering tracev3 files: %w", err)
	}

	out, err := sink.New(opts.Format, opts.OutputPath, opts.LocalTime)
	if err != nil {
		return stats, fmt.Errorf("ingest: %w", err)
	}
	if err := out.Open(); err != nil {
		return stats, fmt.Errorf("ingest: opening sink: %w", err)
	}
	defer out.Close()

	var (
		mu       sync.Mutex
		sem      = make(chan struct{}, maxWorkers)
		wg       sync.WaitGroup
		firstErr error
	)

	for _, path := range files {
		path := path
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			fileStats, err := decodeFile(path, cache, tsStore, out, &mu, opts.logf())
			mu.Lock()
			defer mu.Unlock()
			stats.FilesProcessed += fileStats.FilesProcessed
			stats.RecordsEmitted += fileStats.RecordsEmitted
			stats.Warnings += fileStats.Warnings
			if err != nil {
				opts.logf().WithError(err).WithField("file", path).Error("ingest: tracev3 file aborted")
				stats.Warnings++
				if firstErr == nil {
					firstErr = err
				}
			}
		}()
	}
	wg.Wait()

	opts.logf().WithField("files", stats.FilesProcessed).
		WithField("records", stats.RecordsEmitted).
		WithField("warnings", stats.Warnings).
		Info("ingest: run complete")

	return stats, nil
}

// discoverTracev3Files walks root (a file or directory) collecting
// .tracev3 files, skipping AppleDouble (._) entries and empty files
// (spec §6 directory layout).
func discoverTracev3Files(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if isEligibleTracev3(root, info) {
			return []string{root}, nil
		}
		return nil, fmt.Errorf("ingest: %s is not a .tracev3 file", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if isEligibleTracev3(path, fi) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func isEligibleTracev3(path string, info os.FileInfo) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, "._") {
		return false
	}
	if !strings.HasSuffix(name, ".tracev3") {
		return false
	}
	return info.Size() > 0
}

// decodeFile decodes a single tracev3 file top to bottom: file header,
// catalog chunks (resetting the per-chunk-meta cursor), and data chunks
// dispatched through subchunk.Dispatch, batching records to out along the
// way (spec §5 batching threshold).
func decodeFile(path string, cache *filecache.Cache, tsStore *timesync.Store, out sink.Sink, outMu *sync.Mutex, log logrus.FieldLogger) (model.Stats, error) {
	var stats model.Stats

	data, err := os.ReadFile(path)
	if err != nil {
		return stats, model.NewParseError(model.KindIOFailure, path, 0, 0, err)
	}
	if len(data) < 16 {
		return stats, model.NewParseError(model.KindSignatureMismatch, path, 0, 0, fmt.Errorf("file too short"))
	}

	// The leading chunk must be a 0x1000/subtag-0x11 file header; anything
	// else is not a tracev3 file or is a version this decoder doesn't know
	// (spec §4.4, §7).
	leadHdr, err := chunk.ReadHeader(binreader.New(data))
	if err != nil {
		return stats, model.NewParseError(model.KindSignatureMismatch, path, 0, 0, err)
	}
	if leadHdr.Tag != chunk.TagHeader {
		return stats, model.NewParseError(model.KindSignatureMismatch, path, 0, 0,
			fmt.Errorf("leading chunk tag 0x%x, want 0x%x", leadHdr.Tag, chunk.TagHeader))
	}
	if leadHdr.Subtag != chunk.HeaderSubtag {
		return stats, model.NewParseError(model.KindUnsupportedVersion, path, 0, 0,
			fmt.Errorf("file header subtag 0x%x, want 0x%x", leadHdr.Subtag, chunk.HeaderSubtag))
	}

	large := largedata.New()

	var (
		cat          *catalog.Catalog
		chunkMetaIdx int
		wallClock    func(ct uint64) time.Time
		pending      []*model.LogRecord
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		outMu.Lock()
		defer outMu.Unlock()
		if err := out.WriteBatch(pending); err != nil {
			return err
		}
		stats.RecordsEmitted += len(pending)
		pending = pending[:0]
		return nil
	}

	err = chunk.Walk(data, func(entry chunk.Entry) error {
		switch entry.Header.Tag {
		case chunk.TagHeader:
			fh, err := chunk.ParseFileHeader(entry.Body)
			if err != nil {
				return model.NewParseError(model.KindMalformedChunk, path, entry.FilePos, 0, err)
			}
			items, err := tsStore.Resolve(fh.BootUUID)
			if err != nil {
				return model.NewParseError(model.KindTimesyncMissing, path, entry.FilePos, 0, err)
			}
			wallClock = makeWallClock(items)

		case chunk.TagCatalog:
			parsed, err := catalog.Parse(entry.Body, cache)
			if err != nil {
				log.WithError(err).WithField("file", path).Warn("ingest: skipping malformed catalog chunk")
				stats.Warnings++
				return nil
			}
			cat = parsed
			chunkMetaIdx = 0

		case chunk.TagData:
			if cat == nil || wallClock == nil {
				log.WithField("file", path).WithField("offset", entry.FilePos).
					Warn("ingest: data chunk before catalog/header, skipping")
				stats.Warnings++
				return nil
			}
			if chunkMetaIdx >= len(cat.ChunkMetas) {
				log.WithField("file", path).WithField("offset", entry.FilePos).
					Warn("ingest: data chunk has no matching chunk_meta, skipping")
				stats.Warnings++
				return nil
			}
			cm := cat.ChunkMetas[chunkMetaIdx]
			chunkMetaIdx++

			recs, err := subchunk.Dispatch(entry.Body, cm, subchunk.Context{
				Catalog:    cat,
				Cache:      cache,
				LargeData:  large,
				SourceFile: path,
				WallClock:  wallClock,
				Log:        log,
			}, entry.FilePos)
			if err != nil {
				log.WithError(err).WithField("file", path).WithField("offset", entry.FilePos).
					Warn("ingest: data chunk dispatch failed")
				stats.Warnings++
				return nil
			}
			pending = append(pending, recs...)
			if len(pending) >= batchThreshold {
				if err := flush(); err != nil {
					return err
				}
			}

		default:
			log.WithField("tag", fmt.Sprintf("0x%x", entry.Header.Tag)).
				WithField("file", path).Info("ingest: unknown top-level tag, skipping")
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.FilesProcessed = 1
	return stats, nil
}

// makeWallClock binds a boot's timesync items to a continuous-time
// converter, resolving the closest preceding item per call (spec §4.1).
func makeWallClock(items []timesync.Item) func(ct uint64) time.Time {
	return func(ct uint64) time.Time {
		item, err := timesync.Closest(items, ct)
		if err != nil {
			return time.Time{}
		}
		return timesync.WallClock(item, ct)
	}
}
