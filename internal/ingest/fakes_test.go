package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/sourcebruh/photosearch/internal/blob"
	"github.com/sourcebruh/photosearch/internal/ledger"
	"github.com/sourcebruh/photosearch/internal/photos"
	"github.com/sourcebruh/photosearch/internal/storage"
	"github.com/sourcebruh/photosearch/internal/vectorstore"
)

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeSource serves fixed albums and items and counts downloads by base URL.
type fakeSource struct {
	mu        sync.Mutex
	albums    []photos.Album
	items     map[string][]photos.MediaItem
	data      []byte
	failDL    map[string]error
	listErr   error
	downloads map[string]int
	searches  map[string]int
}

func newFakeSource(data []byte) *fakeSource {
	return &fakeSource{
		items:     map[string][]photos.MediaItem{},
		data:      data,
		failDL:    map[string]error{},
		downloads: map[string]int{},
		searches:  map[string]int{},
	}
}

func (f *fakeSource) addAlbum(id, title string, items ...photos.MediaItem) {
	f.albums = append(f.albums, photos.Album{ID: id, Title: title, ProductURL: "https://photos.google.com/lr/album/" + id})
	f.items[id] = items
}

func (f *fakeSource) ListAlbums(context.Context) ([]photos.Album, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.albums, nil
}

func (f *fakeSource) SearchMediaItems(_ context.Context, albumID, _ string) (photos.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches[albumID]++
	return photos.Page{Items: f.items[albumID]}, nil
}

func (f *fakeSource) Download(_ context.Context, baseURL, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads[baseURL]++
	if err := f.failDL[baseURL]; err != nil {
		return nil, err
	}
	return f.data, nil
}

func (f *fakeSource) totalDownloads() int {
	n := 0
	for _, v := range f.downloads {
		n += v
	}
	return n
}

// fakeOracle returns a fixed description and embedding.
type fakeOracle struct {
	desc      string
	vec       []float32
	err       error
	describes int
	embeds    int
}

func (f *fakeOracle) Describe(context.Context, []byte, string) (string, error) {
	f.describes++
	if f.err != nil {
		return "", f.err
	}
	return f.desc, nil
}

func (f *fakeOracle) Embed(context.Context, string) ([]float32, error) {
	f.embeds++
	return f.vec, nil
}

// cancelAfter cancels a context once a number of upserts have succeeded.
type cancelAfter struct {
	vectorstore.Store
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Upsert(ctx context.Context, rec vectorstore.ImageRecord) (string, error) {
	id, err := c.Store.Upsert(ctx, rec)
	if err == nil {
		c.n--
		if c.n == 0 {
			c.cancel()
		}
	}
	return id, err
}

type env struct {
	db     *storage.Store
	store  vectorstore.Store
	ledger *ledger.Ledger
	blobs  *blob.Local
	src    *fakeSource
	oracle *fakeOracle
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := vectorstore.NewSQLiteStore(db.DB(), 0)
	return &env{
		db:     db,
		store:  store,
		ledger: ledger.New(store, db),
		blobs:  blobs,
		src:    newFakeSource(jpegBytes(t)),
		oracle: &fakeOracle{desc: "a red square", vec: []float32{1, 0, 0}},
	}
}

func (e *env) pipeline(store vectorstore.Store) *Pipeline {
	if store == nil {
		store = e.store
	}
	return New(Static(e.src), e.oracle, store, e.ledger, e.blobs, Options{ThumbMaxSize: 32})
}

func item(id string, ts time.Time) photos.MediaItem {
	return photos.MediaItem{
		ID:           id,
		MimeType:     "image/jpeg",
		BaseURL:      "https://lh3/" + id,
		Filename:     id + ".jpg",
		CreationTime: ts.UTC().Format(time.RFC3339),
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}
