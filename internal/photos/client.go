package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Google Photos Library API endpoint.
const DefaultBaseURL = "https://photoslibrary.googleapis.com/v1"

const (
	albumPageSize    = 50
	maxDownloadBytes = 64 << 20
)

var _ Source = (*Client)(nil)

// Client is a Google Photos Library API client authenticated with an OAuth
// access token. The token is obtained out of band.
type Client struct {
	baseURL     string
	accessToken string
	pageSize    int
	httpClient  *http.Client
}

// NewClient creates a Client. An empty accessToken yields a client whose
// every call fails with ErrNotConfigured.
func NewClient(baseURL, accessToken string, pageSize int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		pageSize:    pageSize,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

type albumsResponse struct {
	Albums []struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		ProductURL string `json:"productUrl"`
		ShareInfo  *struct {
			ShareableURL string `json:"shareableUrl"`
		} `json:"shareInfo"`
	} `json:"albums"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *Client) ListAlbums(ctx context.Context) ([]Album, error) {
	var out []Album
	token := ""
	for {
		q := url.Values{"pageSize": {strconv.Itoa(albumPageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}
		var resp albumsResponse
		if err := c.doJSON(ctx, http.MethodGet, "/albums?"+q.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("listing albums: %w", err)
		}
		for _, a := range resp.Albums {
			album := Album{ID: a.ID, Title: a.Title, ProductURL: a.ProductURL}
			if a.ShareInfo != nil {
				album.ShareableURL = a.ShareInfo.ShareableURL
			}
			out = append(out, album)
		}
		if resp.NextPageToken == "" || resp.NextPageToken == token {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

type searchRequest struct {
	AlbumID   string `json:"albumId"`
	PageSize  int    `json:"pageSize"`
	PageToken string `json:"pageToken,omitempty"`
}

type searchResponse struct {
	MediaItems []struct {
		ID            string `json:"id"`
		MimeType      string `json:"mimeType"`
		BaseURL       string `json:"baseUrl"`
		Filename      string `json:"filename"`
		MediaMetadata struct {
			CreationTime string `json:"creationTime"`
			Width        string `json:"width"`
			Height       string `json:"height"`
		} `json:"mediaMetadata"`
	} `json:"mediaItems"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *Client) SearchMediaItems(ctx context.Context, albumID, pageToken string) (Page, error) {
	var resp searchResponse
	req := searchRequest{AlbumID: albumID, PageSize: c.pageSize, PageToken: pageToken}
	if err := c.doJSON(ctx, http.MethodPost, "/mediaItems:search", req, &resp); err != nil {
		return Page{}, fmt.Errorf("searching album %s: %w", albumID, err)
	}
	page := Page{NextPageToken: resp.NextPageToken, Items: make([]MediaItem, 0, len(resp.MediaItems))}
	for _, m := range resp.MediaItems {
		// The API reports dimensions as decimal strings; bad values are best-effort zero.
		w, _ := strconv.Atoi(m.MediaMetadata.Width)
		h, _ := strconv.Atoi(m.MediaMetadata.Height)
		page.Items = append(page.Items, MediaItem{
			ID:           m.ID,
			MimeType:     m.MimeType,
			BaseURL:      m.BaseURL,
			Filename:     m.Filename,
			CreationTime: m.MediaMetadata.CreationTime,
			Width:        w,
			Height:       h,
		})
	}
	return page, nil
}

// Download fetches baseURL with the "=<size>" suffix the API uses for sizing.
func (c *Client) Download(ctx context.Context, baseURL, size string) ([]byte, error) {
	if c.accessToken == "" {
		return nil, ErrNotConfigured
	}
	u := baseURL
	if size != "" {
		u += "=" + size
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("downloading: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Base URLs expire after about an hour; the next listing yields a fresh one.
		return nil, fmt.Errorf("download: %w (status %d)", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("download", resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading download: %w: %v", ErrUnavailable, err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("download exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if c.accessToken == "" {
		return ErrNotConfigured
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(method+" "+path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError maps an HTTP status to one of the package sentinels.
func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrNotConfigured
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		kind = ErrGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		kind = ErrUnavailable
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("%s: %w (status %d): %s", op, kind, resp.StatusCode, strings.TrimSpace(string(msg)))
}
