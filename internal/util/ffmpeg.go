package util

import (
	"math"
	"regexp"
	"strconv"
)

var (
	ffmpegDurationRegex = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	ffmpegTimeRegex     = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
)

// ProgressParser turns ffmpeg stderr lines into whole percentages. It never
// reports a value lower than one it already reported.
type ProgressParser struct {
	Duration float64
	last     int
}

// Feed consumes one stderr line and returns the new percentage when the line
// moved progress forward.
func (p *ProgressParser) Feed(line string) (int, bool) {
	if p.Duration <= 0 {
		if m := ffmpegDurationRegex.FindStringSubmatch(line); m != nil {
			p.Duration = clockSeconds(m[1], m[2], m[3])
		}
		return 0, false
	}

	m := ffmpegTimeRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	current := clockSeconds(m[1], m[2], m[3])
	pct := int(math.Floor(current / p.Duration * 100))
	if pct > 99 {
		// 100 is reserved for a clean exit.
		pct = 99
	}

	if pct <= p.last {
		return 0, false
	}
	p.last = pct
	return pct, true
}

func clockSeconds(h, m, s string) float64 {
	hours, _ := strconv.Atoi(h)
	mins, _ := strconv.Atoi(m)
	secs, _ := strconv.ParseFloat(s, 64)
	return float64(hours)*3600 + float64(mins)*60 + secs
}

// AudioCodecArgs returns the ffmpeg output options for an audio format.
func AudioCodecArgs(format, bitrate string) []string {
	if bitrate == "" {
		bitrate = "192"
	}
	switch format {
	case "mp3":
		return []string{"-codec:a", "libmp3lame", "-b:a", bitrate + "k"}
	case "m4a":
		return []string{"-codec:a", "aac", "-b:a", bitrate + "k"}
	case "opus":
		return []string{"-codec:a", "libopus", "-b:a", bitrate + "k"}
	case "wav":
		// Speech-recognition friendly: 16 kHz mono PCM.
		return []string{"-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1"}
	case "flac":
		return []string{"-codec:a", "flac"}
	default:
		return []string{"-codec:a", "copy"}
	}
}
