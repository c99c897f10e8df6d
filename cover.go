package printmirror

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CoverSource supplies job cover images from the cloud account.
// *cloud.Client satisfies it.
type CoverSource interface {
	LatestCoverURL(ctx context.Context, serial string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// CoverFetcher downloads a job's preview image on a detached worker, at most
// once per job generation. Results are published through the tracker so the
// render path never observes a torn state.
type CoverFetcher struct {
	source  CoverSource
	tracker *PrintJobTracker
	serial  string
	dir     string
	// onDone, when set, is called after a worker finishes. Tests use it to
	// synchronize with the detached goroutine.
	onDone func()
}

// NewCoverFetcher builds a fetcher writing covers into dir (defaults to the
// OS temp directory).
func NewCoverFetcher(source CoverSource, tracker *PrintJobTracker, serial, dir string) *CoverFetcher {
	if dir == "" {
		dir = os.TempDir()
	}
	return &CoverFetcher{source: source, tracker: tracker, serial: serial, dir: dir}
}

// Trigger dispatches a background fetch for the active job. It returns
// immediately; calling it again for the same job is a no-op. The worker is
// fire-and-forget: shutdown does not wait for it, and a result arriving
// after the job ended is discarded.
func (f *CoverFetcher) Trigger(ctx context.Context) {
	generation, ok := f.tracker.BeginCoverDownload()
	if !ok {
		return
	}
	go f.fetch(ctx, generation)
}

func (f *CoverFetcher) fetch(ctx context.Context, generation uint64) {
	if f.onDone != nil {
		defer f.onDone()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cover fetch panicked")
			f.tracker.PublishCoverResult(generation, "", errors.Errorf("cover fetch panicked: %v", r))
		}
	}()

	path, err := f.download(ctx)
	if err != nil {
		log.Error().Err(err).Uint64("generation", generation).Msg("cover download failed")
		f.tracker.PublishCoverResult(generation, "", err)
		return
	}
	if !f.tracker.PublishCoverResult(generation, path, nil) {
		// The job this cover belonged to is gone.
		log.Debug().Str("path", path).Uint64("generation", generation).Msg("discarding cover for ended job")
		_ = os.Remove(path)
		return
	}
	log.Info().Str("path", path).Msg("cover downloaded")
}

func (f *CoverFetcher) download(ctx context.Context) (string, error) {
	coverURL, err := f.source.LatestCoverURL(ctx, f.serial)
	if err != nil {
		return "", errors.Wrap(err, "resolve cover url")
	}
	data, err := f.source.Download(ctx, coverURL)
	if err != nil {
		return "", errors.Wrap(err, "download cover")
	}
	path := filepath.Join(f.dir, "cover-"+uuid.NewString()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write cover file")
	}
	return path, nil
}
