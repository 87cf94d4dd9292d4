package photos

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPool_PerTenantToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		w.Write([]byte(`{"albums":[]}`))
	}))
	defer srv.Close()

	tokens := map[string]string{"alice": "tok-a", "bob": "tok-b"}
	pool, err := NewPool(srv.URL, 0, func(tenant string) (string, error) { return tokens[tenant], nil })
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx := context.Background()

	for _, tenant := range []string{"alice", "bob"} {
		src, err := pool.Source(ctx, tenant)
		if err != nil {
			t.Fatalf("Source(%s): %v", tenant, err)
		}
		if _, err := src.ListAlbums(ctx); err != nil {
			t.Fatalf("ListAlbums(%s): %v", tenant, err)
		}
	}
	if len(seen) != 2 || seen[0] != "Bearer tok-a" || seen[1] != "Bearer tok-b" {
		t.Errorf("Authorization headers = %v", seen)
	}

	a1, _ := pool.Source(ctx, "alice")
	a2, _ := pool.Source(ctx, "alice")
	if a1 != a2 {
		t.Error("expected cached client for an unchanged token")
	}
	tokens["alice"] = "tok-a2"
	if a3, _ := pool.Source(ctx, "alice"); a3 == a1 {
		t.Error("rotated token reused the old client")
	}
}

func TestPool_MissingToken(t *testing.T) {
	pool, err := NewPool("http://unused", 0, func(string) (string, error) { return "", nil })
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	src, err := pool.Source(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if _, err := src.ListAlbums(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPool_LookupError(t *testing.T) {
	boom := errors.New("db closed")
	pool, err := NewPool("http://unused", 0, func(string) (string, error) { return "", boom })
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if _, err := pool.Source(context.Background(), "alice"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped lookup error", err)
	}
}
