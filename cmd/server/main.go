package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coah80/stitch/internal/alerts"
	"github.com/coah80/stitch/internal/config"
	"github.com/coah80/stitch/internal/relay"
	"github.com/coah80/stitch/internal/server"
	"github.com/coah80/stitch/internal/services"
	"github.com/coah80/stitch/internal/util"
)

func main() {
	godotenv.Load()
	config.Load()

	server.PrintBanner()

	if !util.CheckDependencies(config.FFmpegPath, config.FFprobePath, config.PythonPath) {
		log.Fatal("ffmpeg is required")
	}
	if err := util.ClearTempDir(config.TempDirs()); err != nil {
		log.Fatalf("Failed to prepare temp dirs: %v", err)
	}
	if err := alerts.Configure(config.DiscordWebhookURL, config.DiscordPingUserID, config.Version); err != nil {
		log.Printf("[Discord] Alerts disabled: %v", err)
	}

	var mirror *relay.RedisMirror
	if config.RedisURL != "" {
		rdb, err := relay.Connect(config.RedisURL)
		if err != nil {
			log.Printf("[Relay] Progress mirror disabled: %v", err)
		} else {
			mirror = relay.NewRedisMirror(rdb)
			log.Println("[Relay] Mirroring progress to Redis")
		}
	}

	audio := &services.FFmpegConverter{
		FFmpeg:  config.FFmpegPath,
		FFprobe: config.FFprobePath,
	}
	opts := services.Options{
		UploadDir:       config.UploadDir(),
		OutputDir:       config.ConvertDir(),
		MaxChunks:       config.MaxChunks,
		IdleTimeout:     config.UploadIdleTimeout,
		JobRetention:    config.JobRetention,
		MaxActiveJobs:   config.MaxActiveJobs,
		MinFreeBytes:    uint64(config.DiskSpaceMinGB * 1024 * 1024 * 1024),
		ProgressMode:    config.ProgressMode,
		AutoStart:       config.AutoStart,
		DefaultFormat:   config.DefaultFormat,
		DeliverOnce:     config.DeliverOnce,
		ReclaimInterval: config.ReclaimInterval,
		ExpiryInterval:  config.ExpiryInterval,
		Formats:         config.OutputFormats,
		Converter:       audio,
		Converters: map[string]services.Converter{
			services.FormatTranscript: &services.WhisperConverter{
				Audio:    audio,
				Python:   config.PythonPath,
				Script:   config.WhisperScript,
				Model:    config.WhisperModel,
				Language: config.WhisperLanguage,
			},
		},
		OnJobFinished: func(job services.Job) {
			if job.State == services.JobFailed {
				alerts.ConversionFailed(job.ID, job.FileName, job.Format, job.Error)
			}
		},
	}
	if mirror != nil {
		opts.Mirror = mirror
	}

	st, err := services.New(opts)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	st.Start(context.Background())

	stop := make(chan struct{})
	srv := server.New(st, stop)

	go func() {
		fmt.Printf("Listening on :%s (%s)\n", config.Port, config.EnvMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()
	alerts.ServerStarted(config.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down...")
	alerts.ServerStopping()
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Running conversions are killed first so their SSE streams get the
	// terminal event and close before the listener drains.
	if err := st.Stop(ctx); err != nil {
		log.Printf("Jobs did not settle: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if mirror != nil {
		mirror.Close()
	}
	fmt.Println("Stopped.")
}
