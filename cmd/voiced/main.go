package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaGioMusic/lumina-voice/internal/archive"
	"github.com/MaGioMusic/lumina-voice/internal/audio"
	"github.com/MaGioMusic/lumina-voice/internal/config"
	"github.com/MaGioMusic/lumina-voice/internal/httpserver"
	"github.com/MaGioMusic/lumina-voice/internal/observability"
	"github.com/MaGioMusic/lumina-voice/internal/playback"
	"github.com/MaGioMusic/lumina-voice/internal/session"
	"github.com/MaGioMusic/lumina-voice/internal/toolcall"
	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()
	metrics := observability.NewMetrics("lumina_voice")

	archiver, err := archive.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	if err != nil {
		log.Fatalf("transcript archive: %v", err)
	}

	var sink playback.Sink = playback.DiscardSink{}
	if cfg.SpeakerPipePath != "" {
		ps, err := playback.OpenPipeSink(cfg.SpeakerPipePath)
		if err != nil {
			log.Fatalf("speaker pipe: %v", err)
		}
		defer ps.Close()
		sink = ps
	}

	var mic func() (audio.Source, error)
	if cfg.MicPipePath != "" {
		mic = func() (audio.Source, error) {
			return audio.NewPipeSource(cfg.MicPipePath, 16000), nil
		}
	}

	var handler toolcall.Handler
	if cfg.ToolWebhookURL != "" {
		handler = toolcall.WebhookHandler(cfg.ToolWebhookURL)
	} else {
		handler = func(string, json.RawMessage) (bool, json.RawMessage, error) {
			return false, nil, nil
		}
	}

	snapshots := session.NewBroadcaster()
	opts := session.Options{
		Config:    cfg,
		Tools:     loadTools(cfg.ToolsFile),
		Handler:   handler,
		Metrics:   metrics,
		Sink:      sink,
		Mic:       mic,
		Snapshots: snapshots,
	}
	if archiver != nil {
		opts.Archiver = archiver
	}
	manager := session.NewManager(opts)
	defer manager.Stop()

	srv := httpserver.New(manager, snapshots)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

// loadTools reads tool declarations from a JSON file. Missing file means no
// tools are declared.
func loadTools(path string) []transport.ToolDeclaration {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("tools file: %v", err)
		return nil
	}
	var tools []transport.ToolDeclaration
	if err := json.Unmarshal(data, &tools); err != nil {
		log.Printf("tools file parse: %v", err)
		return nil
	}
	log.Printf("loaded %d tool declarations", len(tools))
	return tools
}
