// Package fetch retrieves COBOL source blobs for analysis, either from an
// inline request payload or from a gs:// object storage URI.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cobolgraph/internal/logging"
)

// ErrInputMalformed marks an unusable input: no source provided, or a URI
// that does not name an object.
var ErrInputMalformed = errors.New("malformed input")

// Source is a resolved blob plus the filename recorded on the program node.
type Source struct {
	Content  string
	FileName string
}

// Request names at most one source. GCSURI wins when both are set, matching
// the ingest contract.
type Request struct {
	GCSURI   string
	Content  string
	FileName string
}

// Fetcher resolves a Request to source text.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Source, error)
}

// HTTPFetcher fetches gs:// objects over the public HTTPS endpoint and
// passes inline content through.
type HTTPFetcher struct {
	// Endpoint overrides the object storage host, for tests.
	Endpoint string
	Client   *http.Client
}

// NewHTTPFetcher returns a fetcher with a 30s HTTP timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Endpoint: "https://storage.googleapis.com",
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch resolves the request. Inline content uses the request filename,
// defaulting to unknown.cbl; object URIs use the object basename.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Source, error) {
	if req.GCSURI != "" {
		return f.fetchObject(ctx, req.GCSURI)
	}
	if req.Content != "" {
		name := req.FileName
		if name == "" {
			name = "unknown.cbl"
		}
		return Source{Content: req.Content, FileName: name}, nil
	}
	return Source{}, fmt.Errorf("%w: missing gcs_uri or content", ErrInputMalformed)
}

func (f *HTTPFetcher) fetchObject(ctx context.Context, uri string) (Source, error) {
	if !strings.HasPrefix(uri, "gs://") {
		return Source{}, fmt.Errorf("%w: invalid GCS URI %q", ErrInputMalformed, uri)
	}
	rest := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Source{}, fmt.Errorf("%w: GCS URI %q has no object path", ErrInputMalformed, uri)
	}
	bucket, object := parts[0], parts[1]

	url := fmt.Sprintf("%s/%s/%s", f.Endpoint, bucket, object)
	logging.Get(logging.CategoryFetch).Info("fetching %s", uri)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Source{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return Source{}, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Source{}, fmt.Errorf("failed to fetch %s: status %d", uri, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read %s: %w", uri, err)
	}

	return Source{Content: string(body), FileName: path.Base(object)}, nil
}
