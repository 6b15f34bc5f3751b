// Package ocr recovers text from image-only PDFs by shelling out to
// the system OCR toolchain: ocrmypdf for one-shot runs, or
// pdftoppm + tesseract for per-page rasterization. Missing binaries
// or failed runs yield empty text, never a document failure.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Modes accepted by Config.Mode.
const (
	ModePages    = "pages"
	ModeOCRmyPDF = "ocrmypdf"
	ModeAuto     = "auto"
)

// Config tunes the OCR runner.
type Config struct {
	Mode      string
	DPI       int
	MaxPages  int
	Timeout   time.Duration
	Languages string
}

// Runner executes OCR over temp files. The exec seams are fields so
// tests can run without the binaries installed.
type Runner struct {
	cfg    Config
	logger *zap.Logger

	lookPath func(string) (string, error)
	run      func(ctx context.Context, dir, name string, args ...string) error
}

// New builds a Runner with defaults for unset fields: auto mode,
// 200 DPI, 12 pages, 120s timeout, Portuguese.
func New(cfg Config, logger *zap.Logger) *Runner {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 12
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Languages == "" {
		cfg.Languages = "por"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger, lookPath: exec.LookPath}
	r.run = r.runCommand
	return r
}

// Available reports whether the binaries for the configured mode are
// installed.
func (r *Runner) Available() bool {
	switch r.cfg.Mode {
	case ModeOCRmyPDF:
		return r.binaryExists("ocrmypdf")
	case ModePages:
		return r.binaryExists("pdftoppm") && r.binaryExists("tesseract")
	default:
		return r.binaryExists("ocrmypdf") || (r.binaryExists("pdftoppm") && r.binaryExists("tesseract"))
	}
}

// ExtractText OCRs a PDF body and returns the recognized text.
func (r *Runner) ExtractText(ctx context.Context, pdfBytes []byte) (string, error) {
	dir, err := os.MkdirTemp("", "radar-ocr-*")
	if err != nil {
		return "", fmt.Errorf("ocr temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdfBytes, 0o600); err != nil {
		return "", fmt.Errorf("ocr write input: %w", err)
	}

	switch r.cfg.Mode {
	case ModeOCRmyPDF:
		return r.oneShot(ctx, dir)
	case ModePages:
		return r.perPage(ctx, dir)
	default:
		if r.binaryExists("ocrmypdf") {
			if text, err := r.oneShot(ctx, dir); err == nil {
				return text, nil
			}
			r.logger.Debug("ocrmypdf failed, falling back to per-page")
		}
		return r.perPage(ctx, dir)
	}
}

// oneShot runs ocrmypdf with a sidecar text file. Pages beyond the cap
// are not OCRed.
func (r *Runner) oneShot(ctx context.Context, dir string) (string, error) {
	sidecar := filepath.Join(dir, "sidecar.txt")
	args := []string{
		"--sidecar", sidecar,
		"--force-ocr",
		"-l", r.cfg.Languages,
		"--pages", "1-" + strconv.Itoa(r.cfg.MaxPages),
		filepath.Join(dir, "input.pdf"),
		filepath.Join(dir, "output.pdf"),
	}
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.run(runCtx, dir, "ocrmypdf", args...); err != nil {
		return "", fmt.Errorf("ocrmypdf: %w", err)
	}
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return "", fmt.Errorf("ocrmypdf sidecar: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// perPage rasterizes up to MaxPages pages to PNG and runs tesseract on
// each. A page that fails is skipped; the rest still count.
func (r *Runner) perPage(ctx context.Context, dir string) (string, error) {
	rasterCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	err := r.run(rasterCtx, dir, "pdftoppm",
		"-png",
		"-r", strconv.Itoa(r.cfg.DPI),
		"-f", "1",
		"-l", strconv.Itoa(r.cfg.MaxPages),
		filepath.Join(dir, "input.pdf"),
		filepath.Join(dir, "page"),
	)
	if err != nil {
		return "", fmt.Errorf("pdftoppm: %w", err)
	}

	pages, err := filepath.Glob(filepath.Join(dir, "page*.png"))
	if err != nil || len(pages) == 0 {
		return "", fmt.Errorf("ocr: no pages rasterized")
	}
	sort.Strings(pages)

	pageTimeout := r.cfg.Timeout / time.Duration(len(pages))
	if pageTimeout < 5*time.Second {
		pageTimeout = 5 * time.Second
	}

	var b strings.Builder
	for _, page := range pages {
		if ctx.Err() != nil {
			break
		}
		base := strings.TrimSuffix(page, ".png")
		pageCtx, cancelPage := context.WithTimeout(ctx, pageTimeout)
		err := r.run(pageCtx, dir, "tesseract", page, base, "-l", r.cfg.Languages)
		cancelPage()
		if err != nil {
			r.logger.Debug("tesseract page failed", zap.String("page", filepath.Base(page)), zap.Error(err))
			continue
		}
		raw, err := os.ReadFile(base + ".txt")
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Runner) binaryExists(name string) bool {
	_, err := r.lookPath(name)
	return err == nil
}

func (r *Runner) runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Errorf("%s: %w (%s)", name, err, msg)
	}
	return nil
}
