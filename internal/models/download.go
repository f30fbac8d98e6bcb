package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Progress is reported while a model file is being fetched. Total is zero
// when neither the server nor the registry knows the size.
type Progress struct {
	ID      string
	Written int64
	Total   int64
	Done    bool
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// AutoDownload fetches a missing registry model on Resolve.
	AutoDownload bool
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// BaseURL replaces the HuggingFace prefix of registry URLs.
	BaseURL string
	// OnProgress, if set, is called from the downloading goroutine.
	OnProgress func(Progress)
}

// Store maps model ids to ggml files under a models directory.
type Store struct {
	dir  string
	opts StoreOptions
	mu   sync.Mutex // serializes downloads
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, opts StoreOptions) *Store {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &Store{dir: dir, opts: opts}
}

// Dir returns the models directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where the file for m is stored.
func (s *Store) Path(m Info) string {
	return filepath.Join(s.dir, m.Filename)
}

// IsDownloaded reports whether a non-empty file for m exists.
func (s *Store) IsDownloaded(m Info) bool {
	info, err := os.Stat(s.Path(m))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func looksLikePath(id string) bool {
	return strings.ContainsRune(id, os.PathSeparator) || strings.HasSuffix(id, ".bin")
}

// Resolve returns the file to load for id. An id may also be a path to an
// existing ggml file. Missing registry models are downloaded when
// AutoDownload is set.
func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	if looksLikePath(id) {
		if info, err := os.Stat(id); err == nil && info.Mode().IsRegular() {
			return id, nil
		}
	}

	m, err := Lookup(id)
	if err != nil {
		return "", err
	}
	if s.IsDownloaded(m) {
		return s.Path(m), nil
	}
	if !s.opts.AutoDownload {
		return "", fmt.Errorf("model %q not found at %s (run: gostt-daemon models download %s)", id, s.Path(m), id)
	}
	if err := s.Download(ctx, m); err != nil {
		return "", err
	}
	return s.Path(m), nil
}

func (s *Store) url(m Info) string {
	if s.opts.BaseURL != "" {
		return strings.TrimSuffix(s.opts.BaseURL, "/") + "/" + m.Filename
	}
	return m.URL
}

// Download fetches m into the models directory. An existing file is kept.
func (s *Store) Download(ctx context.Context, m Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsDownloaded(m) {
		s.report(Progress{ID: m.ID, Done: true})
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(m), nil)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", m.ID, err)
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", m.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", m.ID, resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = m.Size
	}

	// Write to temp file first, then rename (atomic)
	destPath := s.Path(m)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	pw := &progressWriter{writer: f, id: m.ID, total: total, report: s.report}
	_, err = io.Copy(pw, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}
	if pw.written == 0 {
		os.Remove(tmpPath)
		return errors.New("writing model file: empty response body")
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}
	s.report(Progress{ID: m.ID, Written: pw.written, Total: pw.written, Done: true})
	return nil
}

func (s *Store) report(p Progress) {
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
}

// progressWriter wraps an io.Writer and reports download progress.
type progressWriter struct {
	writer  io.Writer
	id      string
	total   int64
	written int64
	report  func(Progress)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	pw.report(Progress{ID: pw.id, Written: pw.written, Total: pw.total})
	return n, err
}

// EveryPercent wraps fn so that it only sees the first update past each
// step percent of the total, plus the final one. Updates without a known
// total are passed through every 10 MB.
func EveryPercent(step int, fn func(Progress)) func(Progress) {
	if step <= 0 {
		step = 10
	}
	var last int64 = -1
	return func(p Progress) {
		if p.Done {
			fn(p)
			return
		}
		var bucket int64
		if p.Total > 0 {
			bucket = p.Written * 100 / p.Total / int64(step)
		} else {
			bucket = p.Written / (10 * mb)
		}
		if bucket != last {
			last = bucket
			fn(p)
		}
	}
}
