package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/utils"
)

// DefaultBinary is the downloader used when Downloader.Binary is empty.
const DefaultBinary = "yt-dlp"

// ErrUnsupportedURL is returned for anything other than an absolute http(s) URL.
var ErrUnsupportedURL = errors.New("unsupported video url")

// Downloader fetches remote videos with yt-dlp.
type Downloader struct {
	Binary string
	Logger *slog.Logger
}

// Download saves the video at rawURL as dir/input_video.<ext> and returns the final
// path. An existing file with the same name is overwritten.
func (d *Downloader) Download(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}

	bin := d.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", bin, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	cmd := utils.NewSafeCommand(ctx, bin,
		"--no-playlist",
		"--force-overwrites",
		"-o", filepath.Join(dir, "input_video.%(ext)s"),
		"-f", "mp4/bestaudio/best",
		"--print", "after_move:filepath",
		u.String(),
	)

	logger := logging.Component(d.Logger, "fetch")
	logger.Info("downloading video", slog.String("url", u.Redacted()))

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("download failed: %w: %s", err, strings.TrimSpace(cmd.Stderr.String()))
	}

	path := lastLine(string(out))
	if path == "" {
		return "", errors.New("downloader did not report an output file")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("downloaded file missing: %w", err)
	}
	logger.Info("download complete", slog.String("path", path))
	return path, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
