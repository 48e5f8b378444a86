package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deshneni-akhil/call-auomation-server/internal/banner"
	"github.com/deshneni-akhil/call-auomation-server/internal/callcontrol"
	"github.com/deshneni-akhil/call-auomation-server/internal/config"
	"github.com/deshneni-akhil/call-auomation-server/internal/logger"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
	"github.com/deshneni-akhil/call-auomation-server/internal/relay"
	"github.com/deshneni-akhil/call-auomation-server/internal/server"
	"github.com/deshneni-akhil/call-auomation-server/internal/session"
	"github.com/deshneni-akhil/call-auomation-server/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	telephonyEnc, err := media.ParseEncoding(cfg.TelephonyEncoding)
	if err != nil {
		slog.Error("Invalid telephony encoding", "error", err)
		os.Exit(1)
	}
	telephonyFmt := media.Format{Encoding: telephonyEnc, SampleRate: cfg.TelephonySampleRate, Channels: 1}
	assistantFmt := media.Format{Encoding: media.EncodingPCM16, SampleRate: cfg.AssistantSampleRate, Channels: 1}

	banner.Print("Call Bridge", []banner.ConfigLine{
		{Label: "HTTP", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.HTTPPort)},
		{Label: "Callback host", Value: cfg.CallbackHost},
		{Label: "Telephony", Value: telephonyFmt.String()},
		{Label: "Assistant", Value: assistantFmt.String()},
		{Label: "AI deployment", Value: cfg.AIDeployment},
	})

	slog.Info("Starting call bridge",
		"port", cfg.HTTPPort,
		"bind", cfg.BindAddr,
		"callback_host", cfg.CallbackHost,
	)

	control, err := callcontrol.NewClient(cfg.ACSConnectionString)
	if err != nil {
		slog.Error("Failed to create call control client", "error", err)
		os.Exit(1)
	}

	registry := session.NewRegistry(control)

	connector := transport.NewConnector(transport.RealtimeConfig{
		Endpoint:         cfg.AIEndpoint,
		Deployment:       cfg.AIDeployment,
		APIVersion:       cfg.AIAPIVersion,
		APIKey:           cfg.AIAPIKey,
		Voice:            cfg.AIVoice,
		Instructions:     cfg.AIInstructions,
		Greeting:         cfg.AIGreeting,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	bridge := relay.New(connector, telephonyFmt, assistantFmt, cfg.FrameDuration, cfg.QueueDepth, cfg.DrainGrace)

	srv := server.New(cfg, registry, control, bridge)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
		return
	}

	// Graceful shutdown: stop accepting calls, then drain active ones.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	registry.CloseAll(ctx, cfg.DrainGrace)
	slog.Info("Call bridge stopped")
}
