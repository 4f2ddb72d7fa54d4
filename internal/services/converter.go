package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/coah80/stitch/internal/util"
)

type ConvertRequest struct {
	Input  string
	Output string
	Format string
}

// Converter runs the external conversion tool. onProgress may be nil; when
// set it receives percentages as the tool reports them.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest, onProgress func(percent int)) error
}

const diagnosticTailLines = 12

// FFmpegConverter extracts and encodes the audio track with ffmpeg.
type FFmpegConverter struct {
	FFmpeg  string
	FFprobe string
	Bitrate string
}

func (c *FFmpegConverter) Convert(ctx context.Context, req ConvertRequest, onProgress func(percent int)) error {
	parser := &util.ProgressParser{Duration: util.ProbeDuration(ctx, c.FFprobe, req.Input)}

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", req.Input, "-vn"}
	args = append(args, util.AudioCodecArgs(req.Format, c.Bitrate)...)
	args = append(args, req.Output)

	cmd := exec.CommandContext(ctx, c.FFmpeg, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	tail := scanDiagnostics(stderr, parser.Feed, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ConversionError{ExitCode: exitErr.ExitCode(), Tail: tail}
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// scanDiagnostics reads a tool's stderr to EOF, passing each line to feed,
// and returns the last few lines.
func scanDiagnostics(r io.Reader, feed func(line string) (int, bool), onProgress func(int)) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)

	ring := make([]string, 0, diagnosticTailLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if pct, ok := feed(line); ok && onProgress != nil {
			onProgress(pct)
		}
		if len(ring) == diagnosticTailLines {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	io.Copy(io.Discard, r)
	return strings.Join(ring, "\n")
}

// scanLinesOrCR splits on \n or \r, since ffmpeg rewrites its stats line with
// carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
