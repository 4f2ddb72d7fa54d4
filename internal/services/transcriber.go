package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FormatTranscript is the output format served by WhisperConverter.
const FormatTranscript = "txt"

const (
	// Share of the progress bar spent extracting audio.
	extractShare = 10
	// A WAV smaller than this holds no usable audio.
	minSpeechBytes = 1000
)

// WhisperConverter turns speech into a plain text transcript. ffmpeg first
// extracts 16 kHz mono PCM, then the whisper script writes the text file.
type WhisperConverter struct {
	Audio    *FFmpegConverter
	Python   string
	Script   string
	Model    string
	Language string
}

type whisperResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	SegmentCount int    `json:"segmentCount"`
	Language     string `json:"language"`
}

func (c *WhisperConverter) Convert(ctx context.Context, req ConvertRequest, onProgress func(percent int)) error {
	audio := c.Audio
	if audio == nil {
		audio = &FFmpegConverter{FFmpeg: "ffmpeg"}
	}
	wavPath := strings.TrimSuffix(req.Output, filepath.Ext(req.Output)) + ".wav"
	defer os.Remove(wavPath)

	var extractProgress func(int)
	if onProgress != nil {
		extractProgress = func(p int) { onProgress(p * extractShare / 100) }
	}
	if err := audio.Convert(ctx, ConvertRequest{Input: req.Input, Output: wavPath, Format: "wav"}, extractProgress); err != nil {
		return err
	}
	if info, err := os.Stat(wavPath); err != nil || info.Size() < minSpeechBytes {
		return &ConversionError{Tail: "No audio found in file"}
	}
	if onProgress != nil {
		onProgress(extractShare)
	}

	return c.transcribe(ctx, wavPath, req.Output, onProgress)
}

func (c *WhisperConverter) transcribe(ctx context.Context, wavPath, output string, onProgress func(int)) error {
	python := c.Python
	if python == "" {
		python = "python3"
	}
	model := c.Model
	if model == "" {
		model = "base"
	}
	args := []string{
		c.Script,
		"--input", wavPath,
		"--model", model,
		"--output-format", FormatTranscript,
		"--output", output,
	}
	if c.Language != "" {
		args = append(args, "--language", c.Language)
	}

	cmd := exec.CommandContext(ctx, python, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("whisper stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start whisper: %w", err)
	}

	tail := scanDiagnostics(stderr, whisperProgress(), onProgress)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var result whisperResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil || !result.Success {
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		reason := result.Error
		if reason == "" {
			reason = tail
		}
		return &ConversionError{ExitCode: exitCode, Tail: "transcription failed: " + reason}
	}

	log.Printf("[Whisper] %d segments, language: %s", result.SegmentCount, result.Language)
	return nil
}

// whisperProgress maps the script's JSON progress lines onto the part of the
// bar left after extraction. Values stop at 99.
func whisperProgress() func(line string) (int, bool) {
	last := extractShare
	return func(line string) (int, bool) {
		var msg struct {
			Progress float64 `json:"progress"`
		}
		if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &msg) != nil || msg.Progress <= 0 {
			return 0, false
		}
		pct := extractShare + int(msg.Progress*float64(100-extractShare)/100)
		if pct > 99 {
			pct = 99
		}
		if pct <= last {
			return 0, false
		}
		last = pct
		return pct, true
	}
}
