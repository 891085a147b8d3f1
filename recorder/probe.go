package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// Prober reads media durations with ffprobe.
type Prober struct {
	// FFprobePath defaults to "ffprobe" on PATH.
	FFprobePath string
	// Timeout bounds one probe; default 30s.
	Timeout time.Duration
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the media duration of path in seconds.
func (p Prober) Duration(ctx context.Context, path string) (float64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, archerr.IO("probe", err)
	}
	bin := p.FFprobePath
	if bin == "" {
		bin = "ffprobe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-v", "quiet", "-print_format", "json", "-show_format", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, archerr.Process("probe", fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String()))
	}
	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, archerr.Data("probe", fmt.Errorf("failed to parse ffprobe output: %w", err))
	}
	d, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0, archerr.Data("probe", fmt.Errorf("invalid duration %q", out.Format.Duration))
	}
	return d, nil
}
