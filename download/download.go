// Package download fetches packages into a local cache keyed by
// content-change signals, retrying transient failures.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanopatch/log/logkeys"
	"github.com/micromdm/nanopatch/metrics"
	"github.com/micromdm/nanopatch/utils/kv"
	"github.com/micromdm/nanopatch/utils/kv/kvdiskv"

	"github.com/cenkalti/backoff/v4"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/sync/errgroup"
)

// MetaDir is the cache subdirectory holding download metadata.
const MetaDir = ".meta"

var ErrDownloadFailed = errors.New("download failed")

// Request names a single download.
type Request struct {
	Name string
	URL  string

	// Filename overrides the cache filename derived from URL.
	Filename string
}

// cacheInfo is the metadata recorded for a cached download.
type cacheInfo struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
}

type stats struct {
	hits   int
	misses int
	times  []time.Duration
	bytes  int64
}

// Downloader downloads packages into a cache directory.
type Downloader struct {
	dir       string
	meta      kv.Bucket
	client    *http.Client
	userAgent string
	retries   int
	delay     time.Duration
	timeout   time.Duration
	workers   int
	logger    log.Logger
	metrics   *metrics.Metrics
	sleep     func(context.Context, time.Duration) error

	mu    sync.Mutex
	stats stats
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the downloader logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithWorkers sets the maximum number of parallel downloads in FetchMany.
func WithWorkers(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetries sets the number of download attempts.
func WithRetries(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.retries = n
		}
	}
}

// WithRetryDelay sets the initial retry delay.
// The delay doubles after each failed attempt.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Downloader) {
		d.delay = delay
	}
}

// WithTimeout sets the timeout of a single download attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.timeout = timeout
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithMetrics records download results to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Downloader) {
		d.metrics = m
	}
}

// WithMetadataBucket stores cache metadata in b instead of the
// on-disk store under the cache directory.
func WithMetadataBucket(b kv.Bucket) Option {
	return func(d *Downloader) {
		d.meta = b
	}
}

// maxRetryDelay caps the delay between download attempts.
const maxRetryDelay = 5 * time.Minute

// newBackOff returns the delays between the configured download
// attempts. It stops once every retry has been used.
func (d *Downloader) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	retries := 0
	if d.retries > 1 {
		retries = d.retries - 1
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New creates a new Downloader caching into dir.
func New(dir string, opts ...Option) *Downloader {
	d := &Downloader{
		dir:       dir,
		client:    http.DefaultClient,
		userAgent: "NanoPatch/1.0 (Macintosh; Intel Mac OS X)",
		retries:   3,
		delay:     time.Second,
		timeout:   10 * time.Minute,
		workers:   5,
		logger:    log.NopLogger,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.meta == nil {
		d.meta = kvdiskv.New(filepath.Join(dir, MetaDir))
	}
	return d
}

// Filename returns the cache filename for rawURL.
// URLs without a usable path element get a stable hashed name.
func Filename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "/" && b != "." {
			return b
		}
	}
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:8] + ".download"
}

func metaKey(name, filename string) string {
	return name + "_" + filename
}

func (d *Downloader) cachePath(r Request) (string, string) {
	filename := r.Filename
	if filename == "" {
		filename = Filename(r.URL)
	}
	return filepath.Join(d.dir, r.Name, filename), filename
}

func (d *Downloader) recordHit(hit bool) {
	d.mu.Lock()
	if hit {
		d.stats.hits++
	} else {
		d.stats.misses++
	}
	d.mu.Unlock()
	if hit {
		d.metrics.IncDownload("hit")
	} else {
		d.metrics.IncDownload("miss")
	}
}

// cached reports whether the cached file for r is still current
// according to a HEAD request.
func (d *Downloader) cached(ctx context.Context, r Request, dest, filename string) bool {
	logger := ctxlog.Logger(ctx, d.logger).With(logkeys.AppName, r.Name)

	fi, err := os.Stat(dest)
	if err != nil {
		return false
	}
	raw, err := d.meta.Get(ctx, metaKey(r.Name, filename))
	if err != nil {
		if !errors.Is(err, kv.ErrKeyNotFound) {
			logger.Info(logkeys.Message, "reading cache metadata", logkeys.Error, err)
		}
		return false
	}
	info := new(cacheInfo)
	if err = json.Unmarshal(raw, info); err != nil {
		logger.Info(logkeys.Message, "decoding cache metadata", logkeys.Error, err)
		return false
	}
	if info.URL != r.URL {
		logger.Info(logkeys.Message, "url changed, invalidating cache")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.URL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", d.userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		logger.Debug(logkeys.Message, "cache check", logkeys.Error, err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug(logkeys.Message, "cache check", "status", resp.StatusCode)
		return false
	}

	if etag := strings.Trim(resp.Header.Get("ETag"), `"`); etag != "" && etag == info.ETag {
		logger.Debug(logkeys.Message, "cache hit", "match", "etag")
		return true
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" && lm == info.LastModified {
		logger.Debug(logkeys.Message, "cache hit", "match", "last-modified")
		return true
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n == fi.Size() {
			logger.Debug(logkeys.Message, "cache hit", "match", "size")
			return true
		}
	}
	return false
}

// fetchOnce performs a single download attempt of r into dest.
func (d *Downloader) fetchOnce(ctx context.Context, r Request, dest, filename string) (int64, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", d.userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err = os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filename+".*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return n, err
	}

	info, err := json.Marshal(&cacheInfo{
		ETag:         strings.Trim(resp.Header.Get("ETag"), `"`),
		LastModified: resp.Header.Get("Last-Modified"),
		URL:          r.URL,
		Size:         n,
	})
	if err == nil {
		err = d.meta.Set(ctx, metaKey(r.Name, filename), info)
	}
	if err != nil {
		ctxlog.Logger(ctx, d.logger).Info(
			logkeys.Message, "storing cache metadata",
			logkeys.AppName, r.Name,
			logkeys.Error, err,
		)
	}
	return n, nil
}

// Fetch downloads r into the cache and returns the local path.
// A current cached copy is returned without downloading unless force
// is set.
func (d *Downloader) Fetch(ctx context.Context, r Request, force bool) (string, error) {
	logger := ctxlog.Logger(ctx, d.logger).With(logkeys.AppName, r.Name)
	dest, filename := d.cachePath(r)

	if !force {
		hit := d.cached(ctx, r, dest, filename)
		d.recordHit(hit)
		if hit {
			logger.Info(logkeys.Message, "using cached package", logkeys.Path, dest)
			return dest, nil
		}
	}

	var err error
	var attempt int
	b := d.newBackOff()
	for {
		attempt++
		logger.Debug(logkeys.Message, "downloading", "attempt", attempt, logkeys.URL, r.URL)
		start := time.Now()
		var n int64
		n, err = d.fetchOnce(ctx, r, dest, filename)
		if err == nil {
			elapsed := time.Since(start)
			d.mu.Lock()
			d.stats.bytes += n
			d.stats.times = append(d.stats.times, elapsed)
			d.mu.Unlock()
			d.metrics.AddBytes(n)
			logger.Info(
				logkeys.Message, "downloaded",
				logkeys.Path, dest,
				"bytes", n,
				"seconds", elapsed.Seconds(),
			)
			return dest, nil
		}
		logger.Info(logkeys.Message, "download attempt failed", "attempt", attempt, logkeys.Error, err)
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		if serr := d.sleep(ctx, next); serr != nil {
			err = serr
			break
		}
	}
	d.metrics.IncDownload("error")
	return "", fmt.Errorf("%w: %s after %d attempts: %v", ErrDownloadFailed, r.Name, attempt, err)
}

// FetchMany downloads every request with at most the configured number
// of workers in parallel and blocks until all are done.
// The returned map holds local paths of successful downloads by name.
// Failed downloads are logged and omitted.
func (d *Downloader) FetchMany(ctx context.Context, reqs []Request, force bool) map[string]string {
	var mu sync.Mutex
	results := make(map[string]string, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			p, err := d.Fetch(ctx, r, force)
			if err != nil {
				ctxlog.Logger(ctx, d.logger).Info(
					logkeys.Message, "download failed",
					logkeys.AppName, r.Name,
					logkeys.Error, err,
				)
				return nil
			}
			mu.Lock()
			results[r.Name] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Metrics returns a summary of downloader activity.
func (d *Downloader) Metrics() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	var total time.Duration
	for _, t := range d.stats.times {
		total += t
	}
	var avg float64
	if len(d.stats.times) > 0 {
		avg = total.Seconds() / float64(len(d.stats.times))
	}
	var rate float64
	if checks := d.stats.hits + d.stats.misses; checks > 0 {
		rate = float64(d.stats.hits) / float64(checks) * 100
	}
	return map[string]interface{}{
		"cache_hit_rate":        fmt.Sprintf("%.1f%%", rate),
		"total_downloads":       d.stats.misses,
		"total_cache_hits":      d.stats.hits,
		"total_bytes":           fmt.Sprintf("%.2f GB", float64(d.stats.bytes)/(1024*1024*1024)),
		"average_download_time": fmt.Sprintf("%.2fs", avg),
	}
}

// Cleanup removes cached files last modified more than maxAge ago and
// returns how many were removed.
func (d *Downloader) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	appDirs, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var cleaned int
	for _, appDir := range appDirs {
		if !appDir.IsDir() || appDir.Name() == MetaDir {
			continue
		}
		files, err := os.ReadDir(filepath.Join(d.dir, appDir.Name()))
		if err != nil {
			return cleaned, err
		}
		for _, f := range files {
			fi, err := f.Info()
			if err != nil || fi.IsDir() || !fi.ModTime().Before(cutoff) {
				continue
			}
			p := filepath.Join(d.dir, appDir.Name(), f.Name())
			if err = os.Remove(p); err != nil {
				return cleaned, err
			}
			if err = d.meta.Delete(ctx, metaKey(appDir.Name(), f.Name())); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
				return cleaned, err
			}
			cleaned++
			ctxlog.Logger(ctx, d.logger).Debug(logkeys.Message, "removed old cache file", logkeys.Path, p)
		}
	}
	return cleaned, nil
}

// CacheStats returns the size and file count of the cache directory.
func (d *Downloader) CacheStats() map[string]interface{} {
	var size int64
	var files int
	filepath.WalkDir(d.dir, func(_ string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return nil
		}
		if fi, err := e.Info(); err == nil {
			size += fi.Size()
			files++
		}
		return nil
	})
	return map[string]interface{}{
		"cache_dir_size_mb": float64(size) / (1024 * 1024),
		"total_files":       files,
	}
}
