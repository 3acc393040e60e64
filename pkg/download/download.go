// Package download fetches snapshot archives into a local directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zeromicro/go-zero/core/logx"

	"aodp-ingest/pkg/catalog"
)

const (
	defaultTimeout = 30 * time.Minute
	chunkSize      = 1 << 20
	partSuffix     = ".part"
)

// ProgressFunc receives bytes written so far and the expected total.
type ProgressFunc func(done, total int64)

// Downloader streams snapshots into dir.
type Downloader struct {
	dir        string
	httpClient *http.Client
	timeout    time.Duration

	http *resty.Client
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Downloader) {
		if hc != nil {
			d.httpClient = hc
		}
	}
}

// WithTimeout bounds a single download.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New constructs a downloader writing into dir.
func New(dir string, opts ...Option) *Downloader {
	d := &Downloader{dir: dir, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient != nil {
		d.http = resty.NewWithClient(d.httpClient)
	} else {
		d.http = resty.New()
	}
	d.http.SetTimeout(d.timeout).SetHeader("User-Agent", "aodp-ingest")
	return d
}

// Dir returns the download directory.
func (d *Downloader) Dir() string { return d.dir }

// Fetch returns the local path of snap, downloading it unless a file with
// the snapshot name already exists.
func (d *Downloader) Fetch(ctx context.Context, snap catalog.Snapshot, onProgress func(done, total int64)) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("download: create dir: %w", err)
	}
	name := filepath.Base(snap.Name)
	dest := filepath.Join(d.dir, name)
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		logx.WithContext(ctx).Infof("download: %s already present, skipping", name)
		if onProgress != nil {
			onProgress(info.Size(), info.Size())
		}
		return dest, nil
	}

	logx.WithContext(ctx).Infof("download: fetching %s", snap.URL)
	resp, err := d.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(snap.URL)
	if err != nil {
		return "", fmt.Errorf("download: %s: %w", name, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return "", fmt.Errorf("download: %s: unexpected status %d", name, resp.StatusCode())
	}

	total := resp.RawResponse.ContentLength
	if total <= 0 {
		total = snap.SizeBytes
	}

	part := dest + partSuffix
	written, err := copyWithProgress(part, body, total, onProgress)
	if err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("download: %s: %w", name, err)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("download: %s: %w", name, err)
	}
	logx.WithContext(ctx).Infof("download: saved %s (%d bytes)", dest, written)
	return dest, nil
}

func copyWithProgress(path string, r io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return written, err
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			f.Close()
			return written, rerr
		}
	}
	return written, f.Close()
}

// Remove deletes a local download and reports whether a file was removed.
func (d *Downloader) Remove(path string) bool {
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			logx.Errorf("download: remove %s: %v", path, err)
		}
		return false
	}
	logx.Infof("download: cleaned up %s", path)
	return true
}

// Clean deletes every regular file in the download directory and returns
// the removed names in lexical order.
func (d *Downloader) Clean() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("download: list %s: %w", d.dir, err)
	}
	removed := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
			logx.Errorf("download: remove %s: %v", e.Name(), err)
			continue
		}
		removed = append(removed, e.Name())
	}
	sort.Strings(removed)
	return removed, nil
}
