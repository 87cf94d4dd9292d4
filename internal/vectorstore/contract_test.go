package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

// opener returns a fresh, empty store enforcing dim (0 = unchecked).
type opener func(t *testing.T, dim int) Store

// runContract runs the behaviour every backend must share.
func runContract(t *testing.T, open opener) {
	t.Run("UpsertIdempotent", func(t *testing.T) { testUpsertIdempotent(t, open(t, 0)) })
	t.Run("UpsertReplacesFields", func(t *testing.T) { testUpsertReplacesFields(t, open(t, 0)) })
	t.Run("Exists", func(t *testing.T) { testExists(t, open(t, 0)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, open(t, 0)) })
	t.Run("SearchTopK", func(t *testing.T) { testSearchTopK(t, open(t, 0)) })
	t.Run("SearchSkipsUnusable", func(t *testing.T) { testSearchSkipsUnusable(t, open(t, 0)) })
	t.Run("SearchTieBreak", func(t *testing.T) { testSearchTieBreak(t, open(t, 0)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, open(t, 0)) })
	t.Run("LatestTimestamp", func(t *testing.T) { testLatestTimestamp(t, open(t, 0)) })
	t.Run("Dimension", func(t *testing.T) { testDimension(t, open(t, 3)) })
}

func rec(tenant, mediaID, album string, ts time.Time, emb ...float32) ImageRecord {
	return ImageRecord{
		TenantID:        tenant,
		ExternalMediaID: mediaID,
		AlbumTitle:      album,
		Filename:        mediaID + ".jpg",
		MimeType:        "image/jpeg",
		Timestamp:       ts,
		Description:     "photo " + mediaID,
		Embedding:       emb,
	}
}

func mustUpsert(t *testing.T, s Store, r ImageRecord) string {
	t.Helper()
	id, err := s.Upsert(context.Background(), r)
	if err != nil {
		t.Fatalf("Upsert(%s/%s): %v", r.TenantID, r.ExternalMediaID, err)
	}
	return id
}

func matchIDs(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Record.ExternalMediaID
	}
	return out
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testUpsertIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	r := rec("alice", "m1", "Trip", t0, 1, 0, 0)

	id1 := mustUpsert(t, s, r)
	id2 := mustUpsert(t, s, r)
	if id1 != id2 {
		t.Errorf("ID changed across upserts: %q -> %q", id1, id2)
	}
	if id1 != RecordID("alice", "m1") {
		t.Errorf("ID = %q, want RecordID", id1)
	}

	n, err := s.Count(ctx, "alice")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func testUpsertReplacesFields(t *testing.T, s Store) {
	ctx := context.Background()
	first := rec("alice", "m1", "Trip", t0, 1, 0, 0)
	first.ImageBlob = []byte("old-bytes")
	id := mustUpsert(t, s, first)

	second := rec("alice", "m1", "Trip 2024", t0.Add(time.Hour), 0, 1, 0)
	second.Description = "refreshed"
	second.Width, second.Height = 640, 480
	mustUpsert(t, s, second)

	got, err := s.Get(ctx, "alice", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "refreshed" || got.AlbumTitle != "Trip 2024" {
		t.Errorf("fields not replaced: %+v", got)
	}
	if got.Width != 640 || got.Height != 480 {
		t.Errorf("dimensions = %dx%d, want 640x480", got.Width, got.Height)
	}
	if !got.Timestamp.Equal(t0.Add(time.Hour)) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, t0.Add(time.Hour))
	}
	if len(got.ImageBlob) != 0 {
		t.Errorf("ImageBlob = %q, want cleared by full replace", got.ImageBlob)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 1 {
		t.Errorf("Embedding = %v, want [0 1 0]", got.Embedding)
	}
}

func testExists(t *testing.T, s Store) {
	ctx := context.Background()
	ok, err := s.Exists(ctx, "alice", "m1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists before upsert = true")
	}
	mustUpsert(t, s, rec("alice", "m1", "", time.Time{}))
	if ok, _ := s.Exists(ctx, "alice", "m1"); !ok {
		t.Error("Exists after upsert = false")
	}
	if ok, _ := s.Exists(ctx, "bob", "m1"); ok {
		t.Error("Exists for other tenant = true")
	}
}

func testGetNotFound(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	id := mustUpsert(t, s, rec("alice", "m1", "", t0))
	if _, err := s.Get(ctx, "bob", id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(other tenant) err = %v, want ErrNotFound", err)
	}
	got, err := s.Get(ctx, "", id)
	if err != nil {
		t.Fatalf("Get(global): %v", err)
	}
	if got.TenantID != "alice" {
		t.Errorf("TenantID = %q, want alice", got.TenantID)
	}
}

func testSearchTopK(t *testing.T, s Store) {
	ctx := context.Background()
	// Angles 0..4 * 20 degrees from the query give strictly increasing distances.
	for i := 4; i >= 0; i-- {
		a := float64(i) * 20 * math.Pi / 180
		mustUpsert(t, s, rec("alice", fmt.Sprintf("m%d", i), "", t0, float32(math.Cos(a)), float32(math.Sin(a))))
	}
	q := []float32{1, 0}

	for _, k := range []int{1, 3, 5, 10} {
		got, err := s.SearchNearest(ctx, "alice", q, k)
		if err != nil {
			t.Fatalf("SearchNearest(k=%d): %v", k, err)
		}
		want := k
		if want > 5 {
			want = 5
		}
		if len(got) != want {
			t.Fatalf("k=%d: got %d results, want %d", k, len(got), want)
		}
		for i, m := range got {
			if m.Record.ExternalMediaID != fmt.Sprintf("m%d", i) {
				t.Errorf("k=%d: result %d = %s, want m%d", k, i, m.Record.ExternalMediaID, i)
			}
			if i > 0 && m.Distance < got[i-1].Distance {
				t.Errorf("k=%d: distances not ascending: %v then %v", k, got[i-1].Distance, m.Distance)
			}
		}
	}

	if got, err := s.SearchNearest(ctx, "alice", q, 0); err != nil || len(got) != 0 {
		t.Errorf("k=0: got %d results, err %v; want none", len(got), err)
	}
}

func testSearchSkipsUnusable(t *testing.T, s Store) {
	ctx := context.Background()
	mustUpsert(t, s, rec("alice", "good", "", t0, 1, 0, 0))
	mustUpsert(t, s, rec("alice", "empty", "", t0))
	mustUpsert(t, s, rec("alice", "zero", "", t0, 0, 0, 0))
	mustUpsert(t, s, rec("alice", "short", "", t0, 1, 0))

	got, err := s.SearchNearest(ctx, "alice", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchNearest: %v", err)
	}
	if ids := matchIDs(got); len(ids) != 1 || ids[0] != "good" {
		t.Errorf("results = %v, want [good]", ids)
	}
	if got[0].Distance != 0 {
		t.Errorf("distance = %v, want 0", got[0].Distance)
	}

	if got, err := s.SearchNearest(ctx, "alice", []float32{0, 0, 0}, 10); err != nil || len(got) != 0 {
		t.Errorf("zero query: got %v, err %v; want none", matchIDs(got), err)
	}
}

func testSearchTieBreak(t *testing.T, s Store) {
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		mustUpsert(t, s, rec("alice", id, "", t0, 0, 1))
	}
	// Re-upserting does not move a record to the back.
	mustUpsert(t, s, rec("alice", "first", "", t0, 0, 1))

	got, err := s.SearchNearest(ctx, "alice", []float32{0, 2}, 2)
	if err != nil {
		t.Fatalf("SearchNearest: %v", err)
	}
	ids := matchIDs(got)
	if len(ids) != 2 || ids[0] != "first" || ids[1] != "second" {
		t.Errorf("tie order = %v, want [first second]", ids)
	}
}

func testTenantIsolation(t *testing.T, s Store) {
	ctx := context.Background()
	mustUpsert(t, s, rec("alice", "a1", "", t0, 1, 0))
	mustUpsert(t, s, rec("bob", "b1", "", t0, 1, 0))
	mustUpsert(t, s, rec("bob", "b2", "", t0, 0, 1))

	got, err := s.SearchNearest(ctx, "alice", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchNearest(alice): %v", err)
	}
	if ids := matchIDs(got); len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("alice results = %v, want [a1]", ids)
	}

	all, err := s.SearchNearest(ctx, "", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchNearest(global): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("global results = %v, want 3", matchIDs(all))
	}

	if n, _ := s.Count(ctx, "bob"); n != 2 {
		t.Errorf("Count(bob) = %d, want 2", n)
	}
	if n, _ := s.Count(ctx, ""); n != 3 {
		t.Errorf("Count(all) = %d, want 3", n)
	}
}

func testLatestTimestamp(t *testing.T, s Store) {
	ctx := context.Background()
	trip, home := "Trip", "Home"

	if _, ok, err := s.LatestTimestamp(ctx, "alice", &trip); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v, want none", ok, err)
	}

	mustUpsert(t, s, rec("alice", "t1", trip, t0))
	mustUpsert(t, s, rec("alice", "t2", trip, t0.Add(48*time.Hour)))
	mustUpsert(t, s, rec("alice", "h1", home, t0.Add(96*time.Hour)))
	mustUpsert(t, s, rec("bob", "x1", trip, t0.Add(200*time.Hour)))

	got, ok, err := s.LatestTimestamp(ctx, "alice", &trip)
	if err != nil || !ok {
		t.Fatalf("LatestTimestamp(Trip): ok=%v err=%v", ok, err)
	}
	if !got.Equal(t0.Add(48 * time.Hour)) {
		t.Errorf("Trip watermark = %v, want %v", got, t0.Add(48*time.Hour))
	}

	got, ok, err = s.LatestTimestamp(ctx, "alice", nil)
	if err != nil || !ok {
		t.Fatalf("LatestTimestamp(any): ok=%v err=%v", ok, err)
	}
	if !got.Equal(t0.Add(96 * time.Hour)) {
		t.Errorf("tenant watermark = %v, want %v", got, t0.Add(96*time.Hour))
	}

	// Missing timestamps fall back to the epoch.
	mustUpsert(t, s, rec("carol", "c1", trip, time.Time{}))
	got, ok, err = s.LatestTimestamp(ctx, "carol", &trip)
	if err != nil || !ok {
		t.Fatalf("LatestTimestamp(carol): ok=%v err=%v", ok, err)
	}
	if !got.Equal(time.Unix(0, 0)) {
		t.Errorf("carol watermark = %v, want epoch", got)
	}
}

func testDimension(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Upsert(ctx, rec("alice", "ok", "", t0, 1, 2, 3)); err != nil {
		t.Errorf("Upsert(dim 3): %v", err)
	}
	if _, err := s.Upsert(ctx, rec("alice", "empty", "", t0)); err != nil {
		t.Errorf("Upsert(no embedding): %v", err)
	}
	_, err := s.Upsert(ctx, rec("alice", "bad", "", t0, 1, 2))
	if !errors.Is(err, ErrDimension) {
		t.Errorf("Upsert(dim 2) err = %v, want ErrDimension", err)
	}
	if ok, _ := s.Exists(ctx, "alice", "bad"); ok {
		t.Error("rejected record was stored")
	}
}
