// Package imagefetch загружает изображения по URL (или data:URI) с потолком размера.
package imagefetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/util"
)

const DefaultMaxBytes int64 = 10 << 20

// ImageSizeError — изображение больше допустимого. Size < 0, если точный размер не известен.
type ImageSizeError struct {
	URL   string
	Size  int64
	Limit int64
}

func (e *ImageSizeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("image %s exceeds %dMB limit", shortURL(e.URL), e.Limit/(1<<20))
	}
	return fmt.Sprintf("image %s is %d bytes, exceeds %dMB limit", shortURL(e.URL), e.Size, e.Limit/(1<<20))
}

type Fetcher struct {
	httpc    *http.Client
	MaxBytes int64
}

func New(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		MaxBytes: maxBytes,
	}
}

// WithClient подменяет HTTP-клиент.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.httpc = c
	return f
}

// Fetch возвращает байты изображения. Размер проверяется до скачивания (HEAD, затем Range),
// а если сервер его не сообщил — по факту скачивания.
func (f *Fetcher) Fetch(ctx context.Context, src string) (llm.Image, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return llm.Image{}, fmt.Errorf("image url is empty")
	}
	if util.IsDataURL(src) {
		return f.fromDataURL(src)
	}
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return llm.Image{}, fmt.Errorf("unsupported image url scheme: %s", shortURL(src))
	}

	if size := f.remoteSize(ctx, src); size > f.MaxBytes {
		slog.Warn("image rejected before download", slog.String("url", shortURL(src)), slog.Int64("size", size))
		return llm.Image{}, &ImageSizeError{URL: src, Size: size, Limit: f.MaxBytes}
	}
	return f.download(ctx, src)
}

func (f *Fetcher) fromDataURL(src string) (llm.Image, error) {
	data, hint, err := util.DecodeBase64MaybeDataURL(src)
	if err != nil {
		return llm.Image{}, fmt.Errorf("bad data url: %w", err)
	}
	if int64(len(data)) > f.MaxBytes {
		return llm.Image{}, &ImageSizeError{URL: src, Size: int64(len(data)), Limit: f.MaxBytes}
	}
	return llm.Image{MIME: util.PickMIME("", hint, data), Data: data}, nil
}

// remoteSize возвращает размер по HEAD или Range-запросу; -1, если узнать не удалось.
func (f *Fetcher) remoteSize(ctx context.Context, src string) int64 {
	if req, err := http.NewRequestWithContext(ctx, http.MethodHead, src, nil); err == nil {
		if resp, err := f.httpc.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
				return resp.ContentLength
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return -1
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := f.httpc.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusPartialContent {
		return -1
	}
	return parseContentRangeTotal(resp.Header.Get("Content-Range"))
}

// parseContentRangeTotal: "bytes 0-0/12345" -> 12345.
func parseContentRangeTotal(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 || i == len(h)-1 {
		return -1
	}
	total := strings.TrimSpace(h[i+1:])
	if total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (f *Fetcher) download(ctx context.Context, src string) (llm.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return llm.Image{}, fmt.Errorf("download: %w", err)
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return llm.Image{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.Image{}, fmt.Errorf("download %s failed: HTTP %d", shortURL(src), resp.StatusCode)
	}

	var buf bytes.Buffer
	lr := &io.LimitedReader{R: resp.Body, N: f.MaxBytes + 1}
	n, err := io.Copy(&buf, lr)
	if err != nil {
		return llm.Image{}, fmt.Errorf("download: %w", err)
	}
	if n > f.MaxBytes {
		slog.Warn("image rejected after download", slog.String("url", shortURL(src)))
		return llm.Image{}, &ImageSizeError{URL: src, Size: -1, Limit: f.MaxBytes}
	}
	if n == 0 {
		return llm.Image{}, fmt.Errorf("download %s: empty body", shortURL(src))
	}
	data := buf.Bytes()
	return llm.Image{MIME: util.PickMIME("", resp.Header.Get("Content-Type"), data), Data: data}, nil
}

func shortURL(s string) string {
	if util.IsDataURL(s) {
		return "data:..."
	}
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
