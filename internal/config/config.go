package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var Version = "dev"

var (
	Port    string
	EnvMode string

	TempDir string

	MaxActiveJobs     int
	MaxChunks         int
	ChunkSizeLimit    int64
	UploadIdleTimeout time.Duration
	JobRetention      time.Duration
	DiskSpaceMinGB    float64

	AutoStart     bool
	ProgressMode  string
	DefaultFormat string
	DeliverOnce   bool

	FFmpegPath  string
	FFprobePath string

	PythonPath      string
	WhisperScript   string
	WhisperModel    string
	WhisperLanguage string

	RateLimitRPS    float64
	RateLimitBurst  int
	CORSOriginsFile string
	CORSOrigins     string

	DiscordWebhookURL string
	DiscordPingUserID string

	RedisURL string
)

const (
	ProgressModeTool      = "tool"
	ProgressModeSynthetic = "synthetic"
)

const (
	HeartbeatInterval = 15 * time.Second
	ReclaimInterval   = 60 * time.Second
	ExpiryInterval    = 60 * time.Second
)

// OutputFormats maps every output format to the MIME type it is served with.
// txt is a speech transcript.
var OutputFormats = map[string]string{
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
	"opus": "audio/opus",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"txt":  "text/plain; charset=utf-8",
}

var AllowedUploadExts = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true, ".avi": true, ".flv": true, ".wmv": true,
	".mp3": true, ".m4a": true, ".wav": true, ".flac": true, ".ogg": true, ".opus": true, ".aac": true, ".wma": true,
	".ts": true, ".m4v": true, ".3gp": true, ".mpg": true, ".mpeg": true,
}

func UploadDir() string {
	return filepath.Join(TempDir, "uploads")
}

func ConvertDir() string {
	return filepath.Join(TempDir, "convert")
}

func TempDirs() []string {
	return []string{UploadDir(), ConvertDir()}
}

func Load() {
	Port = envOrDefault("PORT", "3001")
	EnvMode = envOrDefault("NODE_ENV", "development")

	TempDir = envOrDefault("STITCH_TEMP_DIR", "/var/tmp/stitch")

	MaxActiveJobs = envInt("MAX_ACTIVE_JOBS", 2)
	MaxChunks = envInt("MAX_CHUNKS", 10000)
	ChunkSizeLimit = int64(envInt("CHUNK_SIZE_LIMIT_MB", 50)) * 1024 * 1024
	UploadIdleTimeout = time.Duration(envInt("UPLOAD_IDLE_TIMEOUT_MIN", 30)) * time.Minute
	JobRetention = time.Duration(envInt("JOB_RETENTION_MIN", 60)) * time.Minute
	DiskSpaceMinGB = envFloat("DISK_SPACE_MIN_GB", 2)

	AutoStart = envBool("AUTO_START", false)
	ProgressMode = envOrDefault("PROGRESS_MODE", ProgressModeTool)
	if ProgressMode != ProgressModeTool && ProgressMode != ProgressModeSynthetic {
		log.Printf("[WARN] Unknown PROGRESS_MODE %q, using %q", ProgressMode, ProgressModeTool)
		ProgressMode = ProgressModeTool
	}
	DefaultFormat = strings.ToLower(envOrDefault("DEFAULT_FORMAT", "mp3"))
	if _, ok := OutputFormats[DefaultFormat]; !ok {
		log.Printf("[WARN] Unsupported DEFAULT_FORMAT %q, using mp3", DefaultFormat)
		DefaultFormat = "mp3"
	}
	DeliverOnce = envBool("DELIVER_ONCE", true)

	FFmpegPath = envOrDefault("FFMPEG_PATH", "ffmpeg")
	FFprobePath = envOrDefault("FFPROBE_PATH", "ffprobe")

	PythonPath = envOrDefault("PYTHON_PATH", "python3")
	WhisperScript = envOrDefault("WHISPER_SCRIPT", "whisper.py")
	WhisperModel = envOrDefault("WHISPER_MODEL", "base")
	WhisperLanguage = os.Getenv("WHISPER_LANGUAGE")

	RateLimitRPS = envFloat("RATE_LIMIT_RPS", 20)
	RateLimitBurst = envInt("RATE_LIMIT_BURST", 60)
	CORSOriginsFile = envOrDefault("CORS_ORIGINS_FILE", "cors-origins.txt")
	CORSOrigins = os.Getenv("CORS_ORIGINS")

	DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	DiscordPingUserID = os.Getenv("DISCORD_PING_USER_ID")

	RedisURL = os.Getenv("REDIS_URL")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(envOrDefault(key, strconv.Itoa(fallback)))
	if err != nil || n < 0 {
		log.Printf("[WARN] Invalid %s, using %d", key, fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		log.Printf("[WARN] Invalid %s, using %g", key, fallback)
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[WARN] Invalid %s, using %t", key, fallback)
		return fallback
	}
	return b
}
