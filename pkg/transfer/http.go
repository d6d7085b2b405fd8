// Package transfer provides the executors that move bytes for the engine.
//
// HTTPExecutor fetches a source URL with a plain GET and streams the body to
// the resolved destination. It writes to a temporary "<dest>.*.part" file
// and renames on success, so a destination file only ever appears complete.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/guido-cesarano/downloadq/pkg/download"
	"github.com/guido-cesarano/downloadq/pkg/engine"
	"golang.org/x/time/rate"
)

// Common errors.
var (
	ErrNotFound         = errors.New("transfer: resource not found")
	ErrForbidden        = errors.New("transfer: access forbidden")
	ErrUnauthorized     = errors.New("transfer: unauthorized")
	ErrServerError      = errors.New("transfer: server error")
	ErrUnexpectedStatus = errors.New("transfer: unexpected status")
	ErrShortBody        = errors.New("transfer: body shorter than content length")
)

// Options configures the HTTP executor.
type Options struct {
	// Timeout for a whole transfer. 0 means no limit besides the context.
	Timeout time.Duration

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// RequestsPerSecond throttles request starts across all workers.
	// 0 disables throttling.
	RequestsPerSecond float64

	// BaseDir is where relative or empty destinations are resolved.
	BaseDir string

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		UserAgent:           "downloadq/1.0",
	}
}

// HTTPExecutor implements engine.Executor over HTTP GET.
type HTTPExecutor struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

var _ engine.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor with the given options.
func NewHTTPExecutor(opts Options) *HTTPExecutor {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	x := &HTTPExecutor{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(int(opts.RequestsPerSecond), 1)
		x.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return x
}

// Transfer downloads item.Source into its resolved destination and returns
// the number of bytes written.
func (x *HTTPExecutor) Transfer(ctx context.Context, item *download.Item, report engine.ReportFunc) (int64, error) {
	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	dest, err := ResolveDestination(item.Source, item.Destination, x.opts.BaseDir)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Source, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", x.opts.UserAgent)

	resp, err := x.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}

	// Each transfer gets its own part file; items resolving to the same
	// destination race only on the final rename.
	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create destination: %w", err)
	}
	part := f.Name()
	// CreateTemp uses 0600
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(part)
		return 0, fmt.Errorf("create destination: %w", err)
	}

	body := &progressReader{r: resp.Body, total: resp.ContentLength, report: report}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()

	if copyErr == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		copyErr = fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, resp.ContentLength)
	}
	if copyErr != nil || closeErr != nil {
		os.Remove(part)
		if copyErr != nil {
			return n, fmt.Errorf("write %s: %w", dest, copyErr)
		}
		return n, fmt.Errorf("close %s: %w", dest, closeErr)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return n, fmt.Errorf("finalize %s: %w", dest, err)
	}
	body.flush()
	return n, nil
}

func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

// reportEvery limits how often progress is reported during a copy.
const reportEvery = 256 * 1024

type progressReader struct {
	r        io.Reader
	total    int64
	done     int64
	reported int64
	report   engine.ReportFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.done-p.reported >= reportEvery {
		p.flush()
	}
	return n, err
}

func (p *progressReader) flush() {
	if p.report == nil {
		return
	}
	p.reported = p.done
	p.report(p.done, p.total)
}
