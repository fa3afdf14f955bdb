package ics

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	appLog "inkcal/internal/log"
)

// Source represents a single ICS subscription source.
type Source struct {
	// ID is an internal identifier (e.g., config calendar ID).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult describes how a source's body reached the parser.
type FetchResult struct {
	Source    Source
	Status    int
	Chunked   bool
	FromCache bool   // true if the cached body was replayed
	Bytes     uint64 // raw bytes received from the network
}

var (
	ErrNoCachedBody    = errors.New("no cached body available")
	ErrTooManyRedirect = errors.New("too many redirects")
	errBadResponse     = errors.New("malformed HTTP response")
)

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds over plain HTTP/1.1 so that the body reaches
// the Session with its transfer framing intact. Successful bodies are kept
// in a disk cache and revalidated with ETag / Last-Modified.
type Fetcher struct {
	cacheDir     string
	timeout      time.Duration
	attempts     uint
	retryDelay   time.Duration
	maxRedirects int
	userAgent    string
	tlsConfig    *tls.Config
	dialer       net.Dialer
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

func WithTimeout(d time.Duration) FetcherOption { return func(f *Fetcher) { f.timeout = d } }

func WithAttempts(n uint, delay time.Duration) FetcherOption {
	return func(f *Fetcher) { f.attempts, f.retryDelay = n, delay }
}

func WithTLSConfig(c *tls.Config) FetcherOption { return func(f *Fetcher) { f.tlsConfig = c } }

// NewFetcher creates a Fetcher caching under cacheDir, one subdirectory per
// URL.
func NewFetcher(cacheDir string, opts ...FetcherOption) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	f := &Fetcher{
		cacheDir:     cacheDir,
		timeout:      30 * time.Second,
		attempts:     3,
		retryDelay:   500 * time.Millisecond,
		maxRedirects: 5,
		userAgent:    "inkcal/1.0",
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads src and streams its body into p. On 304, on network
// failure before the body starts, and on a non-OK status the cached body is
// replayed instead, if there is one.
func (f *Fetcher) Fetch(ctx context.Context, src Source, p *Parser, opts SessionOptions) (FetchResult, error) {
	res := FetchResult{Source: src}
	if src.URL == "" {
		return res, errors.New("source URL is empty")
	}

	cachePath := f.cachePathForURL(src.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return res, err
	}
	meta, _ := f.loadCacheMeta(cachePath)
	if meta.URL != src.URL {
		meta = cacheEntry{}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	target := src.URL
	for redirects := 0; ; redirects++ {
		status, err := f.get(ctx, target, meta, cachePath, p, opts, &res)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.location != "" {
				if redirects >= f.maxRedirects {
					return res, fmt.Errorf("%w: %d", ErrTooManyRedirect, redirects)
				}
				next, uerr := resolveLocation(target, se.location)
				if uerr != nil {
					return res, uerr
				}
				appLog.Info("ics fetch redirect", "id", src.ID, "status", se.code, "to", redactURL(next))
				target = next
				continue
			}
			if errors.Is(err, errBodyStarted) || ctx.Err() != nil {
				return res, err
			}
			appLog.Error("ics fetch failed, trying cached body", err, "id", src.ID, "url", redactURL(src.URL))
			cached, rerr := f.replay(cachePath, src, p, opts, res)
			if errors.Is(rerr, ErrNoCachedBody) {
				return cached, err
			}
			return cached, rerr
		}

		res.Status = status
		if status == http.StatusNotModified {
			appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
			return f.replay(cachePath, src, p, opts, res)
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL),
			"status", status, "chunked", res.Chunked, "bytes", res.Bytes)
		return res, nil
	}
}

// statusError is a response the body of which was not parsed.
type statusError struct {
	code     int
	status   string
	location string
}

func (e *statusError) Error() string { return "unexpected HTTP status: " + e.status }

// errBodyStarted marks failures after body bytes reached the parser; the
// cache cannot be replayed without duplicating entries.
var errBodyStarted = errors.New("feed body interrupted")

// get performs one request. A 200 body is streamed into a Session; 304 is
// returned as a status for the caller to replay the cache.
func (f *Fetcher) get(ctx context.Context, target string, meta cacheEntry, cachePath string,
	p *Parser, opts SessionOptions, res *FetchResult) (int, error) {
	u, err := url.Parse(target)
	if err != nil {
		return 0, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	conn, err := retry.DoWithData(
		func() (net.Conn, error) { return f.dial(ctx, u) },
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			appLog.Warn("ics connect failed; retrying", "host", u.Host, "attempt", n+1, "error", err.Error())
		}),
	)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if f.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.timeout))
	}

	if err := f.writeRequest(conn, u, meta); err != nil {
		return 0, err
	}

	br := bufio.NewReaderSize(conn, 32<<10)
	code, status, hdr, err := readResponseHead(br)
	if err != nil {
		return 0, err
	}

	switch {
	case code == http.StatusNotModified:
		return code, nil
	case code >= 300 && code < 400 && hdr.Get("Location") != "":
		return code, &statusError{code: code, status: status, location: hdr.Get("Location")}
	case code != http.StatusOK:
		return code, &statusError{code: code, status: status}
	}

	res.Chunked = TransferEncodingChunked(hdr.Get("Transfer-Encoding"))
	var body io.Reader = br
	if !res.Chunked {
		if cl := hdr.Get("Content-Length"); cl != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
			if err != nil || n < 0 {
				return code, fmt.Errorf("%w: Content-Length %q", errBadResponse, cl)
			}
			body = io.LimitReader(br, n)
		}
	}

	tmp, err := os.CreateTemp(cachePath, ".body-*.tmp")
	if err != nil {
		return code, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	opts.Chunked = res.Chunked
	opts.Tap = tmp
	sess := NewSession(p, opts)
	n, err := copyBody(sess, body)
	res.Bytes = uint64(n)
	if err == nil {
		err = sess.Finish()
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		appLog.Error("ics cache write failed", cerr, "url", redactURL(target))
	}
	if err != nil {
		if n > 0 {
			return code, fmt.Errorf("%w: %w", errBodyStarted, err)
		}
		return code, err
	}

	newMeta := cacheEntry{
		URL:          meta.URL,
		ETag:         hdr.Get("ETag"),
		LastModified: hdr.Get("Last-Modified"),
	}
	if newMeta.URL == "" {
		newMeta.URL = res.Source.URL
	}
	if err := f.saveCache(cachePath, newMeta, tmpName); err != nil {
		appLog.Error("ics cache save failed", err, "url", redactURL(target))
	}
	return code, nil
}

// copyBody streams r into sess until EOF or the end of a chunked body.
func copyBody(sess *Session, r io.Reader) (int64, error) {
	buf := make([]byte, 16<<10)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := sess.Write(buf[:n]); werr != nil {
				return total, werr
			}
			if sess.Done() {
				return total, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (f *Fetcher) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	addr := net.JoinHostPort(host, port)

	if u.Scheme == "http" {
		return f.dialer.DialContext(ctx, "tcp", addr)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.tlsConfig != nil {
		cfg = f.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	// Only HTTP/1.1 framing is understood.
	cfg.NextProtos = []string{"http/1.1"}
	d := tls.Dialer{NetDialer: &f.dialer, Config: cfg}
	return d.DialContext(ctx, "tcp", addr)
}

func (f *Fetcher) writeRequest(w io.Writer, u *url.URL, meta cacheEntry) error {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", f.userAgent)
	b.WriteString("Accept: text/calendar, */*\r\n")
	b.WriteString("Accept-Encoding: identity\r\n")
	b.WriteString("Connection: close\r\n")
	if u.User != nil {
		pw, _ := u.User.Password()
		req := http.Request{Header: http.Header{}}
		req.SetBasicAuth(u.User.Username(), pw)
		fmt.Fprintf(&b, "Authorization: %s\r\n", req.Header.Get("Authorization"))
	}
	// Conditional headers from cache metadata.
	if meta.ETag != "" {
		fmt.Fprintf(&b, "If-None-Match: %s\r\n", meta.ETag)
	}
	if meta.LastModified != "" {
		fmt.Fprintf(&b, "If-Modified-Since: %s\r\n", meta.LastModified)
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// readResponseHead reads the status line and headers.
func readResponseHead(br *bufio.Reader) (code int, status string, hdr textproto.MIMEHeader, err error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return 0, "", nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, "", nil, fmt.Errorf("%w: status line %q", errBadResponse, line)
	}
	status = strings.TrimSpace(rest)
	codeStr, _, _ := strings.Cut(status, " ")
	code, err = strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, "", nil, fmt.Errorf("%w: status line %q", errBadResponse, line)
	}
	hdr, err = tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, "", nil, err
	}
	return code, status, hdr, nil
}

func resolveLocation(base, loc string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%w: Location %q", errBadResponse, loc)
	}
	return b.ResolveReference(l).String(), nil
}

// replay streams the cached decoded body through an identity Session.
func (f *Fetcher) replay(cachePath string, src Source, p *Parser, opts SessionOptions, res FetchResult) (FetchResult, error) {
	file, err := os.Open(filepath.Join(cachePath, "body.ics"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%s: %w", src.ID, ErrNoCachedBody)
		}
		return res, err
	}
	defer file.Close()

	opts.Chunked = false
	opts.Tap = nil
	sess := NewSession(p, opts)
	if _, err := io.Copy(sess, file); err != nil {
		return res, err
	}
	if err := sess.Finish(); err != nil {
		return res, err
	}
	res.FromCache = true
	res.Chunked = false
	return res, nil
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

// saveCache moves the freshly written body into place, then writes meta so
// meta never points at a missing body.
func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, bodyTmp string) error {
	if err := os.Chmod(bodyTmp, 0o600); err != nil {
		return err
	}
	if err := os.Rename(bodyTmp, filepath.Join(cachePath, "body.ics")); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i < 0 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if at := strings.LastIndexByte(rest[:hostEnd(rest)], '@'); at >= 0 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest[:hostEnd(rest)] + redactedSuffix
}

func hostEnd(s string) int {
	if j := strings.IndexAny(s, "/?#"); j >= 0 {
		return j
	}
	return len(s)
}
