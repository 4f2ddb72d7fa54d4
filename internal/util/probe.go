package util

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ProbeDuration asks ffprobe for the container duration in seconds. Zero
// means unknown.
func ProbeDuration(ctx context.Context, ffprobe, inputPath string) float64 {
	if ffprobe == "" {
		return 0
	}
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-show_entries", "format=duration",
		"-of", "csv=p=0", inputPath)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	var dur float64
	fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &dur)
	return dur
}
