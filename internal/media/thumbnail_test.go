package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/internal/errors"
)

type memSource struct {
	mu    sync.Mutex
	blobs map[string][]byte
	gets  int
	gate  chan struct{}
	began chan struct{}
}

func (m *memSource) Get(hash string) ([]byte, error) {
	m.mu.Lock()
	m.gets++
	data, ok := m.blobs[hash]
	gate, began := m.gate, m.began
	m.mu.Unlock()

	if began != nil {
		select {
		case began <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "evidence %s not found", hash)
	}
	return data, nil
}

func pngPhoto(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRender_fitsKeepingAspect(t *testing.T) {
	out, err := Render(pngPhoto(t, 640, 480), 320, 320)
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)
}

func TestRender_notAnImage(t *testing.T) {
	_, err := Render([]byte("plain text"), 100, 100)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestQueue_backgroundRender(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{"ab12": pngPhoto(t, 100, 50)}}
	done := make(chan error, 1)
	q := NewQueue(src, t.TempDir(), WithSize(40, 40), OnRendered(func(hash string, err error) {
		done <- err
	}))
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue("ab12"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("thumbnail was not rendered")
	}

	data, err := q.Get(context.Background(), "ab12")
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Width)
	assert.Equal(t, 20, cfg.Height)

	// Rendered thumbnails are not scheduled again.
	require.NoError(t, q.Enqueue("ab12"))
	stats := q.Stats()
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 1, src.gets)
}

func TestQueue_getRendersOnDemand(t *testing.T) {
	src := &memSource{blobs: map[string][]byte{"cd34": pngPhoto(t, 10, 10)}}
	q := NewQueue(src, t.TempDir())

	data, err := q.Get(context.Background(), "cd34")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = q.Get(context.Background(), "cd34")
	require.NoError(t, err)
	assert.Equal(t, 1, src.gets, "second Get is served from disk")

	_, err = q.Get(context.Background(), "ffff")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestQueue_enqueueRequiresStart(t *testing.T) {
	q := NewQueue(&memSource{}, t.TempDir())
	assert.Error(t, q.Enqueue("ab12"))
}

func TestQueue_full(t *testing.T) {
	src := &memSource{
		blobs: map[string][]byte{},
		gate:  make(chan struct{}),
		began: make(chan struct{}, 1),
	}
	q := NewQueue(src, t.TempDir(), WithWorkers(1), WithCapacity(1))
	q.Start(context.Background())

	require.NoError(t, q.Enqueue("aa01"))
	select {
	case <-src.began:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the first job")
	}

	require.NoError(t, q.Enqueue("aa02"))
	err := q.Enqueue("aa03")
	assert.True(t, errors.Is(err, errors.ErrStorageQuotaExceeded))

	close(src.gate)
	q.Stop()
}
