package poppler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	PDFInfoBinary  string
	PDFToPPMBinary string
	PDFInfoTimeout time.Duration
	RenderTimeout  time.Duration
	MaxRenderBytes int64
}

// Sensible defaults if you pass zeros.
func (c Config) withDefaults() Config {
	out := c
	if out.PDFInfoBinary == "" {
		out.PDFInfoBinary = "pdfinfo"
	}
	if out.PDFToPPMBinary == "" {
		out.PDFToPPMBinary = "pdftoppm"
	}
	if out.PDFInfoTimeout <= 0 {
		out.PDFInfoTimeout = 5 * time.Second
	}
	if out.RenderTimeout <= 0 {
		out.RenderTimeout = 60 * time.Second
	}
	if out.MaxRenderBytes <= 0 {
		out.MaxRenderBytes = 256 << 20
	}
	return out
}

// Tool wraps the poppler command line utilities.
type Tool struct {
	cfg Config
}

func New(cfg Config) *Tool {
	return &Tool{cfg: cfg.withDefaults()}
}

type PDFInfo struct {
	Pages     int
	Encrypted bool
}

var (
	pageCountRegex = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)
	encryptedRegex = regexp.MustCompile(`(?mi)^Encrypted:\s+yes\b`)
)

// Info runs pdfinfo once and extracts page count + encryption flag.
func (t *Tool) Info(ctx context.Context, pdfPath string) (PDFInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PDFInfoTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.cfg.PDFInfoBinary, pdfPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return PDFInfo{}, classifyPopplerErr("pdfinfo", err, ctx, stderr.String(), 0)
	}

	return parseInfo(stdout.String())
}

func parseInfo(out string) (PDFInfo, error) {
	pages, err := parsePages(out)
	if err != nil {
		return PDFInfo{}, err
	}
	return PDFInfo{
		Pages:     pages,
		Encrypted: encryptedRegex.MatchString(out),
	}, nil
}

// RenderFile rasterizes one page of the PDF at pdfPath and returns the
// encoded image bytes in the requested format (png, tiff or jpeg).
func (t *Tool) RenderFile(ctx context.Context, pdfPath string, page, dpi int, format string) ([]byte, error) {
	return t.render(ctx, pdfPath, nil, page, dpi, format)
}

// RenderBytes is RenderFile for an in-memory document piped over stdin.
func (t *Tool) RenderBytes(ctx context.Context, data []byte, page, dpi int, format string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pdftoppm: empty document")
	}
	return t.render(ctx, "-", bytes.NewReader(data), page, dpi, format)
}

func (t *Tool) render(ctx context.Context, src string, stdin io.Reader, page, dpi int, format string) ([]byte, error) {
	if page < 1 {
		return nil, fmt.Errorf("invalid page number: %d (must be >= 1)", page)
	}
	if dpi < 1 {
		return nil, fmt.Errorf("invalid dpi: %d", dpi)
	}
	formatFlag, err := formatFlag(format)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RenderTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		t.cfg.PDFToPPMBinary,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		formatFlag,
		"-singlefile",
		src,
	)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	out, stderrStr, err := runCommandCaptureLimited(cmd, t.cfg.MaxRenderBytes+1)
	if err != nil {
		return nil, classifyPopplerErr("pdftoppm", err, ctx, stderrStr, page)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no image for page %d", page)
	}
	return out, nil
}

func formatFlag(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "png":
		return "-png", nil
	case "tiff", "tif":
		return "-tiff", nil
	case "jpeg", "jpg":
		return "-jpeg", nil
	}
	return "", fmt.Errorf("unsupported raster format %q", format)
}

// --- internals ---

func parsePages(pdfinfoOut string) (int, error) {
	matches := pageCountRegex.FindStringSubmatch(pdfinfoOut)
	if len(matches) == 2 {
		n, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, fmt.Errorf("pdfinfo: invalid page count: %w", err)
		}
		return validatePages(n)
	}

	// Fallback: scan lines to handle formatting variations
	sc := bufio.NewScanner(strings.NewReader(pdfinfoOut))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(strings.ToLower(line), "pages:") {
			fields := strings.Fields(line[len("Pages:"):])
			if len(fields) == 0 {
				break
			}
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return 0, fmt.Errorf("pdfinfo: invalid page count: %w", err)
			}
			return validatePages(n)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("pdfinfo: scan failed: %w", err)
	}

	return 0, fmt.Errorf("pdfinfo: pages field not found in output")
}

func validatePages(count int) (int, error) {
	if count <= 0 || count > 50000 {
		return 0, fmt.Errorf("pdfinfo: unreasonable page count: %d", count)
	}
	return count, nil
}

// runCommandCaptureLimited runs cmd and captures stdout up to maxBytes (inclusive of sentinel).
// It captures stderr fully (usually small) for error reporting.
func runCommandCaptureLimited(cmd *exec.Cmd, maxBytes int64) (stdout []byte, stderrText string, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start: %w", err)
	}

	outBytes, readErr := io.ReadAll(io.LimitReader(stdoutPipe, maxBytes))
	if readErr != nil || int64(len(outBytes)) >= maxBytes {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	stderrStr := strings.TrimSpace(stderr.String())

	if readErr != nil {
		return nil, stderrStr, fmt.Errorf("read stdout: %w", readErr)
	}
	if int64(len(outBytes)) >= maxBytes {
		return nil, stderrStr, errOutputLimit
	}
	if waitErr != nil {
		return nil, stderrStr, waitErr
	}

	return outBytes, stderrStr, nil
}

var errOutputLimit = errors.New("output exceeds limit")

// isHelpOrUsageOutput returns true when stderr looks like a poppler
// usage / help dump rather than an actual processing error.
func isHelpOrUsageOutput(stderr string) bool {
	return strings.Contains(stderr, "version ") && strings.Contains(stderr, "Usage:")
}

func classifyPopplerErr(tool string, err error, ctx context.Context, stderr string, page int) error {
	scope := tool
	if page > 0 {
		scope = fmt.Sprintf("%s page %d", tool, page)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timeout: %w", scope, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s canceled: %w", scope, ctx.Err())
	}
	if errors.Is(err, errOutputLimit) {
		return fmt.Errorf("%s: output too large", scope)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: binary not found: %w", scope, err)
	}

	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		// If poppler printed its help/usage text (bad args, etc.) don't
		// match on keywords that appear in the help descriptions.
		if isHelpOrUsageOutput(stderr) {
			logPopplerErr(tool, stderr, page)
			return fmt.Errorf("%s failed (bad invocation)", scope)
		}
		if containsAny(stderr, "Incorrect password", "Command Line Error: Incorrect password") {
			logPopplerErr(tool, stderr, page)
			return fmt.Errorf("PDF is password protected")
		}
		if containsAny(stderr, "PDF file is damaged", "Syntax Error", "Couldn't find trailer dictionary", "May not be a PDF file") {
			logPopplerErr(tool, stderr, page)
			return fmt.Errorf("PDF appears to be damaged or invalid")
		}
		if containsAny(stderr, "Wrong page range", "first page", "last page") {
			return fmt.Errorf("%s: page out of range", scope)
		}
		if strings.Contains(stderr, "I/O Error") && strings.Contains(stderr, "Couldn't open file") {
			logPopplerErr(tool, stderr, page)
			return fmt.Errorf("unable to open PDF")
		}
		return fmt.Errorf("%s failed: %s", scope, truncate(stderr, 300))
	}
	return fmt.Errorf("%s failed: %w", scope, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func logPopplerErr(tool, stderr string, page int) {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return
	}
	msg = truncate(msg, 500)
	if page > 0 {
		fmt.Fprintf(os.Stderr, "%s error (page %d): %s\n", tool, page, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "%s error: %s\n", tool, msg)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
