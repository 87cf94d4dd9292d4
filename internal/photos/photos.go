// Package photos talks to the remote photo library that images are ingested from.
package photos

import (
	"context"
	"errors"
	"iter"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotConfigured means the source has no usable credentials. It is not
	// retried within a run.
	ErrNotConfigured = errors.New("photo source not configured")

	// ErrGone means the requested resource no longer exists at that URL.
	ErrGone = errors.New("photo source resource gone")

	// ErrUnavailable marks transient failures: rate limits, server errors, network.
	ErrUnavailable = errors.New("photo source unavailable")
)

// Source is a paginated photo library.
type Source interface {
	// ListAlbums returns every album visible to the account.
	ListAlbums(ctx context.Context) ([]Album, error)

	// SearchMediaItems returns one page of an album's items. An empty
	// pageToken requests the first page.
	SearchMediaItems(ctx context.Context, albumID, pageToken string) (Page, error)

	// Download fetches an item's bytes at the given size suffix (e.g. "w2048-h2048").
	Download(ctx context.Context, baseURL, size string) ([]byte, error)
}

type Album struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	ProductURL   string `json:"productUrl"`
	ShareableURL string `json:"-"`
}

type MediaItem struct {
	ID           string
	MimeType     string
	BaseURL      string
	Filename     string
	CreationTime string
	Width        int
	Height       int
}

// Created parses CreationTime. ok is false when it is missing or malformed.
func (m MediaItem) Created() (t time.Time, ok bool) {
	raw := strings.TrimSpace(m.CreationTime)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// IsImage reports whether the item has an image/* MIME type.
func (m MediaItem) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(m.MimeType), "image/")
}

type Page struct {
	Items         []MediaItem
	NextPageToken string
}

// Items lazily walks every page of an album, fetching the next page only
// once the caller has consumed the previous one. Iteration stops after the
// first error, which is yielded once.
func Items(ctx context.Context, src Source, albumID string) iter.Seq2[MediaItem, error] {
	return func(yield func(MediaItem, error) bool) {
		token := ""
		for {
			if err := ctx.Err(); err != nil {
				yield(MediaItem{}, err)
				return
			}
			page, err := src.SearchMediaItems(ctx, albumID, token)
			if err != nil {
				yield(MediaItem{}, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextPageToken == "" || page.NextPageToken == token {
				return
			}
			token = page.NextPageToken
		}
	}
}

// Selection names the albums to ingest, by title and by URL path.
type Selection struct {
	Titles []string `json:"albums"`
	Paths  []string `json:"album_paths"`
}

func (s Selection) Empty() bool {
	return len(s.Titles) == 0 && len(s.Paths) == 0
}

// ResolvedAlbum is an album picked by a Selection. Path is the configured
// path that matched, or the album's own product URL path for title matches.
type ResolvedAlbum struct {
	Album
	Path string
}

// NormalizeAlbumPath reduces an album URL or path to its path without
// surrounding slashes: "https://photos.google.com/album/X/" -> "album/X".
func NormalizeAlbumPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return strings.Trim(u.Path, "/")
	}
	return strings.Trim(raw, "/")
}

// ResolveAlbums matches the selection against albums. Paths are matched first,
// against the product URL and then the share URL, case-insensitively; titles
// are matched case-insensitively. Each album appears once even when several
// entries select it. Unmatched entries are returned separately.
func ResolveAlbums(albums []Album, sel Selection) (resolved []ResolvedAlbum, unmatched []string) {
	seen := make(map[string]bool)
	add := func(a Album, path string) {
		if a.ID == "" || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		resolved = append(resolved, ResolvedAlbum{Album: a, Path: path})
	}

	for _, raw := range sel.Paths {
		p := NormalizeAlbumPath(raw)
		if p == "" {
			continue
		}
		a, ok := findByPath(albums, p)
		if !ok {
			unmatched = append(unmatched, raw)
			continue
		}
		add(a, p)
	}
	for _, title := range sel.Titles {
		if strings.TrimSpace(title) == "" {
			continue
		}
		a, ok := findByTitle(albums, title)
		if !ok {
			unmatched = append(unmatched, title)
			continue
		}
		add(a, NormalizeAlbumPath(a.ProductURL))
	}
	return resolved, unmatched
}

func findByPath(albums []Album, path string) (Album, bool) {
	for _, a := range albums {
		for _, u := range []string{a.ProductURL, a.ShareableURL} {
			if u == "" {
				continue
			}
			if p := NormalizeAlbumPath(u); p != "" && strings.EqualFold(p, path) {
				return a, true
			}
		}
	}
	return Album{}, false
}

func findByTitle(albums []Album, title string) (Album, bool) {
	for _, a := range albums {
		if strings.EqualFold(a.Title, title) {
			return a, true
		}
	}
	return Album{}, false
}
