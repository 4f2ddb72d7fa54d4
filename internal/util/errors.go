package util

import "strings"

// ToUserError maps the tail of a conversion tool's diagnostic output to a
// fixed message that is safe to show a client. Raw tool output carries
// server paths and is never passed through.
func ToUserError(diagnostic string) string {
	msg := strings.ToLower(diagnostic)

	if strings.Contains(msg, "does not contain any stream") || strings.Contains(msg, "output file #0 does not contain") ||
		strings.Contains(msg, "matches no streams") || strings.Contains(msg, "no audio found") {
		return "No audio found in file"
	}
	if strings.Contains(msg, "invalid data found when processing input") || strings.Contains(msg, "moov atom not found") {
		return "The uploaded file is not a readable media file"
	}
	if strings.Contains(msg, "could not find codec parameters") || strings.Contains(msg, "unknown format") {
		return "Unsupported media format"
	}
	if strings.Contains(msg, "unknown encoder") || strings.Contains(msg, "encoder not found") {
		return "The server cannot encode to this format"
	}
	if strings.Contains(msg, "no space left on device") {
		return "Server is out of disk space, try again later"
	}
	if strings.Contains(msg, "permission denied") {
		return "Processing failed"
	}
	if strings.Contains(msg, "shutting down") {
		return "Server is shutting down"
	}
	if strings.Contains(msg, "transcription failed") {
		return "Transcription failed"
	}
	if strings.Contains(msg, "killed") || strings.Contains(msg, "signal") {
		return "Processing was interrupted"
	}
	return "Conversion failed"
}
