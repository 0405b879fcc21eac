// Package download implements the Local-Download Workflow of spec.md §4.6
// (component C7): per-session sequential download of each assigned
// AtomicUnit's media into a per-channel directory, with filtering,
// flood-wait requeueing, and atomic, verified writes. Grounded on
// internal/channels/telegram/media.go's downloadMedia (retry-with-backoff,
// temp-file-then-rename, size verification against a declared length).
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/vanducng/mediarelay/internal/ratelimit"
	"github.com/vanducng/mediarelay/internal/remote"
	"github.com/vanducng/mediarelay/internal/session"
	"github.com/vanducng/mediarelay/pkg/protocol"
)

// smallFileThreshold is the declared-size cutoff below which the
// small-file API path is preferred (spec.md §4.6 step 2).
const smallFileThreshold = 50 * 1024 * 1024

// Status is the per-file outcome of spec.md §4.6.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// FileResult is one constituent media item's download outcome.
type FileResult struct {
	Status    Status
	Path      string
	Bytes     int64
	Kind      protocol.MediaKind
	Err       error
	SourceID  int64  // the originating message-id, for per-unit report aggregation
	UnitID    int64  // the owning AtomicUnit's SourceID (equal to SourceID for singletons)
	Session   string
}

// Filter decides whether a media item should be downloaded, given its kind
// and declared size; returning false reports the item as skipped (spec.md
// §4.6 "Filtering").
type Filter func(kind protocol.MediaKind, fileSize int64) bool

// AllowAll is the default Filter: every media item is downloaded.
func AllowAll(protocol.MediaKind, int64) bool { return true }

// Downloader runs the local-download workflow against a session pool.
type Downloader struct {
	pool    *session.Pool
	limiter *ratelimit.Controller
	destDir string
	filter  Filter
}

func New(pool *session.Pool, limiter *ratelimit.Controller, destDir string, filter Filter) *Downloader {
	if filter == nil {
		filter = AllowAll
	}
	return &Downloader{pool: pool, limiter: limiter, destDir: destDir, filter: filter}
}

// Run downloads channelName's assignment, one goroutine per session, each
// processing its assigned units sequentially and in order. It returns the
// combined per-file results across all sessions.
func (d *Downloader) Run(ctx context.Context, assignment protocol.Assignment, channelName string) []FileResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []FileResult
	)

	for sessionName, units := range assignment {
		wg.Add(1)
		go func(sessionName string, units []protocol.AtomicUnit) {
			defer wg.Done()
			r := d.runSession(ctx, sessionName, units, channelName)
			mu.Lock()
			results = append(results, r...)
			mu.Unlock()
		}(sessionName, units)
	}
	wg.Wait()
	return results
}

func (d *Downloader) runSession(ctx context.Context, sessionName string, units []protocol.AtomicUnit, channelName string) []FileResult {
	var results []FileResult
	var retryQueue []protocol.AtomicUnit

	process := func(queue []protocol.AtomicUnit) []protocol.AtomicUnit {
		var deferred []protocol.AtomicUnit
		for _, unit := range queue {
			unitResults, requeue := d.processUnit(ctx, sessionName, unit, channelName)
			results = append(results, unitResults...)
			if requeue {
				deferred = append(deferred, unit)
			}
		}
		return deferred
	}

	// The retry pass's first Admit call blocks out any remaining
	// suspension window itself (ratelimit.Controller.Admit waits on a
	// suspended session before acquiring a permit), so no separate wait is
	// needed here.
	retryQueue = process(units)
	if len(retryQueue) > 0 {
		// A unit that hits a flood-wait again on the retry pass is not
		// requeued a second time; it is reported failed.
		for _, unit := range process(retryQueue) {
			results = append(results, FileResult{Status: StatusFailed, SourceID: unit.SourceID(), UnitID: unit.SourceID(), Session: sessionName,
				Err: fmt.Errorf("download: unit %d hit a flood-wait again on its retry pass", unit.SourceID())})
		}
	}
	return results
}

// processUnit downloads every message in unit in order. It returns
// (results-so-far, requeue) — requeue is true when a flood-wait was
// hit, meaning the whole unit should be retried later on this session
// (spec.md §4.6 step 4 and §4.4's group-ordering guarantee: a group's
// media is never split across retry attempts).
func (d *Downloader) processUnit(ctx context.Context, sessionName string, unit protocol.AtomicUnit, channelName string) ([]FileResult, bool) {
	var results []FileResult
	unitID := unit.SourceID()
	for _, msg := range unit.Messages() {
		if !msg.HasMedia() {
			continue
		}
		if !d.filter(msg.Kind, msg.FileSize) {
			results = append(results, FileResult{Status: StatusSkipped, Kind: msg.Kind, SourceID: msg.MessageID, UnitID: unitID, Session: sessionName})
			continue
		}

		res, requeue := d.downloadOne(ctx, sessionName, msg, channelName, unitID)
		if requeue {
			return results, true
		}
		results = append(results, res)
	}
	return results, false
}

func (d *Downloader) downloadOne(ctx context.Context, sessionName string, msg protocol.Message, channelName string, unitID int64) (FileResult, bool) {
	base := FileResult{Kind: msg.Kind, SourceID: msg.MessageID, UnitID: unitID, Session: sessionName}

	class := ratelimit.OpDownload
	if err := d.limiter.Admit(ctx, sessionName, class); err != nil {
		base.Status, base.Err = StatusFailed, err
		return base, false
	}

	handle, err := d.pool.Lease(sessionName)
	if err != nil {
		base.Status, base.Err = StatusFailed, err
		return base, false
	}
	defer handle.Release()

	data, err := d.fetchBytes(ctx, handle.Client, msg)
	if err != nil {
		var fw *remote.FloodWaitError
		if errors.As(err, &fw) {
			// A short wait is absorbed inline by ObserveFloodWait and a long
			// one suspends the session; either way the unit is requeued and
			// retried on the next pass over the session's unit list.
			d.limiter.ObserveFloodWait(ctx, sessionName, fw.Seconds)
			return FileResult{}, true
		}
		base.Status, base.Err = StatusFailed, err
		return base, false
	}
	d.limiter.ObserveSuccess(sessionName)

	if msg.FileSize > 0 && int64(len(data)) != msg.FileSize {
		base.Status, base.Err = StatusFailed, fmt.Errorf("download: size mismatch for message %d: got %d want %d", msg.MessageID, len(data), msg.FileSize)
		return base, false
	}

	if err := verifyIntegrity(msg.Kind, data); err != nil {
		base.Status, base.Err = StatusFailed, err
		return base, false
	}

	path, err := d.writeAtomic(msg, channelName, data)
	if err != nil {
		base.Status, base.Err = StatusFailed, err
		return base, false
	}

	base.Status, base.Path, base.Bytes = StatusOK, path, int64(len(data))
	return base, false
}

// fetchBytes implements the §4.6 step 2 transport-mode split: small
// declared sizes (excluding video, which favors the streaming path
// regardless of size) use the in-memory small-file call; everything else
// is pulled in chunks via the streaming call.
func (d *Downloader) fetchBytes(ctx context.Context, client remote.Client, msg protocol.Message) ([]byte, error) {
	if msg.FileSize > 0 && msg.FileSize < smallFileThreshold && msg.Kind != protocol.MediaVideo {
		return client.DownloadMediaSmall(ctx, msg)
	}

	next, cancel, err := client.StreamMedia(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var buf bytes.Buffer
	for {
		chunk, ok, err := next()
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			buf.Write(chunk)
		}
		if !ok {
			break
		}
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to a temp file in the destination directory and
// renames it into place, so a reader never observes a partial file.
func (d *Downloader) writeAtomic(msg protocol.Message, channelName string, data []byte) (string, error) {
	dir := filepath.Join(d.destDir, sanitize(channelName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("download: create destination dir: %w", err)
	}

	finalName := BuildFileName(msg, channelName)
	finalPath := filepath.Join(dir, finalName)
	tmpPath := finalPath + ".part"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("download: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download: rename into place: %w", err)
	}
	return finalPath, nil
}

// verifyIntegrity decodes photo payloads with imaging to catch a
// truncated or corrupted transfer that a byte-count match alone would
// miss. Non-photo kinds are not decodable this way and are left to the
// byte-count check.
func verifyIntegrity(kind protocol.MediaKind, data []byte) error {
	if kind != protocol.MediaPhoto {
		return nil
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("download: corrupt image payload: %w", err)
	}
	return nil
}

