// Package download implements the download stage. Direct media links are
// fetched over HTTP; page URLs (YouTube, TikTok, ...) go through yt-dlp.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ChuLiYu/clipflow/internal/executor/command"
	"github.com/ChuLiYu/clipflow/internal/pipeline"
	"github.com/ChuLiYu/clipflow/pkg/types"
)

var log = slog.Default()

// Method selects how URLs are fetched.
type Method string

const (
	MethodAuto  Method = "auto"  // HTTP for direct media links, yt-dlp otherwise
	MethodHTTP  Method = "http"  // always plain HTTP
	MethodYtDlp Method = "ytdlp" // always yt-dlp
)

var mediaExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".avi": true, ".flv": true,
	".m4v": true, ".mp3": true, ".m4a": true, ".wav": true, ".aac": true, ".ogg": true, ".flac": true,
}

// Options configures an Executor.
type Options struct {
	WorkDir string
	Method  Method
	YtDlp   string // yt-dlp binary
	Client  *http.Client
	Runner  command.Runner
}

// Executor downloads a job's source into <WorkDir>/<job>/.
type Executor struct {
	workDir string
	method  Method
	ytdlp   string
	client  *http.Client
	runner  command.Runner
}

// New returns a download executor.
func New(opts Options) *Executor {
	e := &Executor{
		workDir: opts.WorkDir,
		method:  opts.Method,
		ytdlp:   opts.YtDlp,
		client:  opts.Client,
		runner:  opts.Runner,
	}
	if e.method == "" {
		e.method = MethodAuto
	}
	if e.ytdlp == "" {
		e.ytdlp = "yt-dlp"
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 10 * time.Minute}
	}
	if e.runner == nil {
		e.runner = command.New()
	}
	return e
}

// Execute returns the local path of the downloaded media. Upload sources are
// already local and pass straight through.
func (e *Executor) Execute(ctx context.Context, in pipeline.Input) (string, error) {
	if in.Source.Kind == types.SourceUpload {
		if _, err := os.Stat(in.Source.Path); err != nil {
			return "", pipeline.Permanentf("upload not found: %s", in.Source.Path)
		}
		pipeline.ReportProgress(ctx, 100, "upload ready")
		return in.Source.Path, nil
	}

	u, err := url.Parse(in.Source.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", pipeline.Permanentf("invalid url: %q", in.Source.URL)
	}

	dir := filepath.Join(e.workDir, string(in.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pipeline.Transient(fmt.Errorf("download: create dir: %w", err))
	}

	if e.useYtDlp(u) {
		return e.fetchYtDlp(ctx, dir, in.Source.URL)
	}
	return e.fetchHTTP(ctx, dir, in.JobID, u)
}

func (e *Executor) useYtDlp(u *url.URL) bool {
	switch e.method {
	case MethodHTTP:
		return false
	case MethodYtDlp:
		return true
	default:
		return !mediaExts[strings.ToLower(path.Ext(u.Path))]
	}
}

// ============================================================================
// HTTP
// ============================================================================

func (e *Executor) fetchHTTP(ctx context.Context, dir string, id types.JobID, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("download: %w", err))
	}
	req.Header.Set("User-Agent", "clipflow/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("download: %w", err))
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return "", err
	}

	dest := filepath.Join(dir, FileName(u, id))
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", pipeline.Transient(fmt.Errorf("download: open %s: %w", dest, err))
	}

	pr := &progressReader{r: resp.Body, total: resp.ContentLength, ctx: ctx}
	_, copyErr := io.Copy(f, pr)
	closeErr := f.Close()
	if copyErr != nil {
		return "", pipeline.Transient(fmt.Errorf("download: read body: %w", copyErr))
	}
	if closeErr != nil {
		return "", pipeline.Transient(fmt.Errorf("download: close %s: %w", dest, closeErr))
	}

	pipeline.ReportProgress(ctx, 100, "downloaded")
	log.Debug("Downloaded", "url", u.String(), "path", dest, "bytes", pr.read)
	return dest, nil
}

// statusError maps an HTTP status onto the failure taxonomy.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return pipeline.Permanentf("Video Not Found (%d)", code)
	case code == http.StatusForbidden, code == http.StatusUnauthorized:
		return pipeline.Permanentf("Access Denied (%d)", code)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return pipeline.Transientf("HTTP %d", code)
	default:
		return pipeline.Permanentf("HTTP %d", code)
	}
}

// FileName derives the local file name from the last URL path segment,
// falling back to file_<job>.
func FileName(u *url.URL, id types.JobID) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "file_" + string(id)
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	return name
}

type progressReader struct {
	r     io.Reader
	ctx   context.Context
	total int64
	read  int64
	last  int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct >= p.last+5 && pct < 100 {
			p.last = pct
			pipeline.ReportProgress(p.ctx, float64(pct), "downloading")
		}
	}
	return n, err
}

// ============================================================================
// yt-dlp
// ============================================================================

var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal colour codes from tool output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func (e *Executor) fetchYtDlp(ctx context.Context, dir, rawURL string) (string, error) {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--format", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		"--socket-timeout", "15",
		"--output", filepath.Join(dir, "%(title)s.%(ext)s"),
		"--print", "after_move:filepath",
		rawURL,
	}

	pipeline.ReportProgress(ctx, 0, "analyzing")
	out, err := e.runner.Run(ctx, e.ytdlp, args...)
	if err != nil {
		return "", ytdlpError(err)
	}

	dest := lastLine(out)
	if dest == "" {
		return "", pipeline.Permanentf("yt-dlp reported no output file")
	}
	if _, err := os.Stat(dest); err != nil {
		return "", pipeline.Transient(fmt.Errorf("yt-dlp output missing: %w", err))
	}
	pipeline.ReportProgress(ctx, 100, "downloaded")
	return dest, nil
}

func ytdlpError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pipeline.Transient(fmt.Errorf("yt-dlp: %w", err))
	}
	var cmdErr *command.Error
	if errors.As(err, &cmdErr) && cmdErr.NotFound() {
		return pipeline.Permanentf("yt-dlp not installed")
	}

	msg := StripANSI(err.Error())
	switch {
	case strings.Contains(msg, "HTTP Error 404"):
		return pipeline.Permanentf("Video Not Found (404)")
	case strings.Contains(msg, "HTTP Error 403"):
		return pipeline.Permanentf("Access Denied (403)")
	case strings.Contains(msg, "Unsupported URL"),
		strings.Contains(msg, "Video unavailable"),
		strings.Contains(msg, "Private video"):
		return pipeline.Permanentf("yt-dlp: %s", firstErrorLine(msg))
	default:
		return pipeline.Transientf("yt-dlp: %s", firstErrorLine(msg))
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func firstErrorLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if i := strings.Index(line, "ERROR:"); i >= 0 {
			return strings.TrimSpace(line[i:])
		}
	}
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}
