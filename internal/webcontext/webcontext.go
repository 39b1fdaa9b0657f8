// Package webcontext is the boundary implementation of the document
// ingestion collaborator: it turns a web page into opaque markdown text a
// caller prepends to a chat request as system context. The gateway core
// never depends on it.
package webcontext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Fetcher retrieves web pages and reduces them to markdown.
type Fetcher struct {
	client       *http.Client
	maxBodyBytes int64
	timeout      time.Duration
}

// NewFetcher constructs a Fetcher with the given body-size cap and per-fetch
// timeout.
func NewFetcher(client *http.Client, maxBodyBytes int64, timeout time.Duration) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 2 << 20
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: client, maxBodyBytes: maxBodyBytes, timeout: timeout}
}

// Fetch downloads rawURL and returns its content as markdown, prefixed with
// the source URL so the model can attribute it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	htmlBytes, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(htmlBytes)) > f.maxBodyBytes {
		return "", errors.New("page exceeds configured size cap")
	}

	markdown, err := htmltomarkdown.ConvertString(string(htmlBytes))
	if err != nil {
		return "", fmt.Errorf("convert %s to markdown: %w", rawURL, err)
	}

	return fmt.Sprintf("Content of %s:\n\n%s", rawURL, markdown), nil
}
