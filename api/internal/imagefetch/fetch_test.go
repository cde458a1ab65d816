package imagefetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestFetch_HeadRejectsOversize(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(2048))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(make([]byte, 2048))
		}
	}))
	defer srv.Close()

	f := New(5*time.Second, 1024)
	_, err := f.Fetch(context.Background(), srv.URL+"/big.png")
	var se *ImageSizeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ImageSizeError, got %v", err)
	}
	if se.Size != 2048 || se.Limit != 1024 {
		t.Fatalf("got %+v", se)
	}
	if gets.Load() != 0 {
		t.Fatal("oversized image must not be downloaded")
	}
}

func TestFetch_RangeSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case r.Header.Get("Range") == "bytes=0-0":
			w.Header().Set("Content-Range", "bytes 0-0/5000")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte{0x89})
		default:
			t.Error("full download must not start")
		}
	}))
	defer srv.Close()

	_, err := New(5*time.Second, 1024).Fetch(context.Background(), srv.URL)
	var se *ImageSizeError
	if !errors.As(err, &se) || se.Size != 5000 {
		t.Fatalf("expected ImageSizeError with size 5000, got %v", err)
	}
}

func TestFetch_PostDownloadCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Range игнорируется, ответ chunked: размер заранее неизвестен
		fl := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write(make([]byte, 512))
			fl.Flush()
		}
	}))
	defer srv.Close()

	_, err := New(5*time.Second, 1024).Fetch(context.Background(), srv.URL)
	var se *ImageSizeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ImageSizeError, got %v", err)
	}
	if se.Size != -1 {
		t.Fatalf("size is unknown for streamed body, got %d", se.Size)
	}
}

func TestFetch_OK(t *testing.T) {
	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 100)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	img, err := New(5*time.Second, 1024).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(img.Data, body) {
		t.Fatal("body mismatch")
	}
	if img.MIME != "image/png" {
		t.Fatalf("expected image/png by signature, got %q", img.MIME)
	}
}

func TestFetch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := New(5*time.Second, 1024).Fetch(context.Background(), srv.URL)
	var se *ImageSizeError
	if err == nil || errors.As(err, &se) {
		t.Fatalf("expected plain download error, got %v", err)
	}
}

func TestFetch_DataURL(t *testing.T) {
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	img, err := New(time.Second, 1024).Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if img.MIME != "image/png" || !bytes.Equal(img.Data, pngHeader) {
		t.Fatalf("got %+v", img)
	}

	big := "data:image/png;base64," + base64.StdEncoding.EncodeToString(make([]byte, 2000))
	_, err = New(time.Second, 1024).Fetch(context.Background(), big)
	var se *ImageSizeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ImageSizeError for big data url, got %v", err)
	}
}

func TestFetch_BadScheme(t *testing.T) {
	if _, err := New(time.Second, 1024).Fetch(context.Background(), "ftp://x/y.png"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(time.Second, 1024).Fetch(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := map[string]int64{
		"bytes 0-0/12345": 12345,
		"bytes 0-0/*":     -1,
		"":                -1,
		"bytes 0-0/":      -1,
		"bytes 0-0/abc":   -1,
	}
	for in, want := range cases {
		if got := parseContentRangeTotal(in); got != want {
			t.Errorf("%q: got %d want %d", in, got, want)
		}
	}
}
