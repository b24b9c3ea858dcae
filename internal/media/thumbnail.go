// Package media renders preview thumbnails of photo evidence. Rendering
// runs on a small worker pool so capturing a photo never waits on it.
package media

import (
	"bytes"
	"context"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
)

// Defaults for NewQueue.
const (
	DefaultWidth    = 320
	DefaultHeight   = 320
	DefaultWorkers  = 2
	DefaultCapacity = 64

	jpegQuality = 80
)

// Source reads original photo bytes by content hash.
type Source interface {
	Get(hash string) ([]byte, error)
}

// Stats counts rendered thumbnails.
type Stats struct {
	Processed     int   `json:"processed"`
	Succeeded     int   `json:"succeeded"`
	Failed        int   `json:"failed"`
	Pending       int   `json:"pending"`
	AvgDurationMs int64 `json:"avgDurationMs"`
}

// Queue renders thumbnails in the background and caches them on disk.
type Queue struct {
	source   Source
	dir      string
	width    int
	height   int
	workers  int
	jobs     chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	queued   map[string]bool
	stats    Stats
	rendered func(hash string, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithSize bounds thumbnails to width x height, keeping the aspect ratio.
func WithSize(width, height int) Option {
	return func(q *Queue) {
		if width > 0 && height > 0 {
			q.width, q.height = width, height
		}
	}
}

// WithWorkers sets the number of render goroutines.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithCapacity sets how many renders may wait before Enqueue refuses more.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.jobs = make(chan string, n)
		}
	}
}

// OnRendered is called after every background render.
func OnRendered(fn func(hash string, err error)) Option {
	return func(q *Queue) { q.rendered = fn }
}

// NewQueue creates a thumbnail queue writing JPEGs under dir.
func NewQueue(source Source, dir string, opts ...Option) *Queue {
	q := &Queue{
		source:  source,
		dir:     dir,
		width:   DefaultWidth,
		height:  DefaultHeight,
		workers: DefaultWorkers,
		jobs:    make(chan string, DefaultCapacity),
		queued:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. They stop with ctx or Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stop := q.stopCh
	q.mu.Unlock()

	logging.Debug("Thumbnail workers started", map[string]interface{}{
		"workers":  q.workers,
		"capacity": cap(q.jobs),
	})
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, stop)
	}
}

// Stop waits for in-flight renders. Queued hashes are dropped; Get renders
// them on demand later.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
drain:
	for {
		select {
		case hash := <-q.jobs:
			delete(q.queued, hash)
			q.stats.Pending--
		default:
			break drain
		}
	}
}

// Enqueue schedules a render without blocking. A hash already rendered or
// waiting is ignored.
func (q *Queue) Enqueue(hash string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return errors.New(errors.ErrInternal, "thumbnail queue is not running")
	}
	if q.queued[hash] || q.exists(hash) {
		return nil
	}
	select {
	case q.jobs <- hash:
		q.queued[hash] = true
		q.stats.Pending++
		return nil
	default:
		return errors.Newf(errors.ErrStorageQuotaExceeded, "thumbnail queue is full (capacity %d)", cap(q.jobs))
	}
}

// Get returns the thumbnail of hash, rendering it now if no worker has.
func (q *Queue) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(q.path(hash))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Storage("read thumbnail", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.render(hash)
}

// Stats returns a snapshot of the render counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) worker(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case hash := <-q.jobs:
			_, err := q.render(hash)

			q.mu.Lock()
			delete(q.queued, hash)
			q.stats.Pending--
			q.mu.Unlock()

			if err != nil {
				logging.Warn("Thumbnail render failed", map[string]interface{}{
					"hash":  hash,
					"error": err.Error(),
				})
			}
			if q.rendered != nil {
				q.rendered(hash, err)
			}
		}
	}
}

func (q *Queue) render(hash string) ([]byte, error) {
	started := time.Now()

	original, err := q.source.Get(hash)
	if err != nil {
		return nil, err
	}
	data, err := Render(original, q.width, q.height)
	if err == nil {
		err = q.write(hash, data)
	}

	elapsed := time.Since(started).Milliseconds()
	q.mu.Lock()
	q.stats.Processed++
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Succeeded++
	}
	q.stats.AvgDurationMs = (q.stats.AvgDurationMs*int64(q.stats.Processed-1) + elapsed) / int64(q.stats.Processed)
	q.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return data, nil
}

func (q *Queue) write(hash string, data []byte) error {
	path := q.path(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Storage("create thumbnail directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".thumb-*")
	if err != nil {
		return errors.Storage("create thumbnail", err)
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Storage("write thumbnail", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Storage("store thumbnail", err)
	}
	return nil
}

func (q *Queue) exists(hash string) bool {
	_, err := os.Stat(q.path(hash))
	return err == nil
}

func (q *Queue) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(q.dir, hash+".jpg")
	}
	return filepath.Join(q.dir, hash[:2], hash+".jpg")
}

// Render decodes a JPEG, PNG, GIF or WebP photo, applies its EXIF
// orientation and fits it inside width x height as a JPEG.
func Render(original []byte, width, height int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "decode photo", err)
	}

	thumb := imaging.Fit(img, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encode thumbnail", err)
	}
	return buf.Bytes(), nil
}
