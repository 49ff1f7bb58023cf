package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchInlineContent(t *testing.T) {
	f := NewHTTPFetcher()
	src, err := f.Fetch(context.Background(), Request{Content: "MOVE A TO B.", FileName: "prog.cbl"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.Content != "MOVE A TO B." || src.FileName != "prog.cbl" {
		t.Fatalf("got %+v", src)
	}
}

func TestFetchInlineDefaultsFileName(t *testing.T) {
	f := NewHTTPFetcher()
	src, err := f.Fetch(context.Background(), Request{Content: "x"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.FileName != "unknown.cbl" {
		t.Fatalf("FileName = %q", src.FileName)
	}
}

func TestFetchMissingInput(t *testing.T) {
	f := NewHTTPFetcher()
	_, err := f.Fetch(context.Background(), Request{})
	if !errors.Is(err, ErrInputMalformed) {
		t.Fatalf("err = %v, want ErrInputMalformed", err)
	}
}

func TestFetchRejectsBadURI(t *testing.T) {
	f := NewHTTPFetcher()
	for _, uri := range []string{"http://bucket/obj", "gs://bucket-only", "gs:///obj"} {
		if _, err := f.Fetch(context.Background(), Request{GCSURI: uri}); !errors.Is(err, ErrInputMalformed) {
			t.Fatalf("uri %q: err = %v, want ErrInputMalformed", uri, err)
		}
	}
}

func TestFetchObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/legacy-sources/batch/DALYTRAN.cbl" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("       PROGRAM-ID. DALYTRAN."))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	f.Endpoint = srv.URL
	src, err := f.Fetch(context.Background(), Request{GCSURI: "gs://legacy-sources/batch/DALYTRAN.cbl"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.FileName != "DALYTRAN.cbl" {
		t.Fatalf("FileName = %q, want object basename", src.FileName)
	}
	if src.Content != "       PROGRAM-ID. DALYTRAN." {
		t.Fatalf("Content = %q", src.Content)
	}
}

func TestFetchObjectNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewHTTPFetcher()
	f.Endpoint = srv.URL
	if _, err := f.Fetch(context.Background(), Request{GCSURI: "gs://bucket/missing.cbl"}); err == nil {
		t.Fatal("expected error for missing object")
	}
}
