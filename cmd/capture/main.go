package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/video-system/go-capture-encoder/internal/ffmpeg"
	"github.com/video-system/go-capture-encoder/internal/metrics"
	"github.com/video-system/go-capture-encoder/pkg/api"
	"github.com/video-system/go-capture-encoder/pkg/capture"
	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
	"github.com/video-system/go-capture-encoder/pkg/platform"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file (empty for defaults)")
	listCodecs := flag.Bool("list-codecs", false, "List available encoders and exit")
	listDevices := flag.Bool("list-devices", false, "List capture devices and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	switch {
	case *showVersion:
		fmt.Println("capture", version)
		if ff, err := ffmpeg.New(); err == nil {
			if v, err := ff.Version(context.Background()); err == nil {
				fmt.Println(v)
			}
		}
		return
	case *listCodecs:
		printCodecs()
		return
	case *listDevices:
		printDevices()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Metrics registry shared by the pipeline and /metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	manager, err := capture.NewManager(cfg, m, logger)
	if err != nil {
		logger.Error("Failed to create manager", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start channels", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Host:     cfg.API.Host,
		Port:     cfg.API.Port,
		Manager:  manager,
		Gatherer: reg,
		Logger:   logger,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server error", "error", err)
		}
	}()

	if cfg.Platform.Enabled && cfg.Platform.URL != "" {
		go runHeartbeat(ctx, cfg, manager, logger)
	}

	// Wait for shutdown
	manager.Wait()
	logger.Info("Shutdown signal received")

	if err := manager.Stop(); err != nil {
		logger.Warn("Channel shutdown errors", "error", err)
	}
	if err := apiServer.Stop(); err != nil {
		logger.Warn("API shutdown error", "error", err)
	}
	logger.Info("Capture stopped")
}

func loadConfig(path string) (*capture.Config, error) {
	if path == "" {
		return capture.ParseConfig([]byte("{}"))
	}
	return capture.LoadConfig(path)
}

func newLogger(cfg capture.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printCodecs() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ci := range encode.ListCodecs(ctx) {
		fmt.Printf("%s\n", ci.Name)
		for _, mime := range ci.Types {
			var formats []string
			for _, f := range ci.FormatsFor(mime) {
				formats = append(formats, fmt.Sprintf("%s(%d)", f, int(f)))
			}
			fmt.Printf("  %-12s %s\n", mime, strings.Join(formats, " "))
		}
	}
	fmt.Printf("inputs: %s\n", strings.Join(input.Names(), ", "))
}

func printDevices() {
	ff, err := ffmpeg.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	devices, err := ff.ListInputDevices(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Print(devices)
}

// runHeartbeat keeps the platform updated with channel status
func runHeartbeat(ctx context.Context, cfg *capture.Config, manager *capture.Manager, logger *slog.Logger) {
	client := platform.New(platform.Config{
		URL:    cfg.Platform.URL,
		APIKey: cfg.Platform.APIKey,
		Logger: logger,
	})

	hostname, _ := os.Hostname()
	agentID := cfg.Platform.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("agent-%s", hostname)
	}
	interval := 10 * time.Second
	if cfg.Platform.HeartbeatSecs > 0 {
		interval = time.Duration(cfg.Platform.HeartbeatSecs) * time.Second
	}

	if err := client.CheckHealth(ctx); err != nil {
		logger.Warn("Platform not reachable", "url", cfg.Platform.URL, "error", err)
	}
	logger.Info("Platform reporting enabled", "url", cfg.Platform.URL, "agent", agentID)

	client.RunHeartbeat(ctx, agentID, interval, func() platform.HeartbeatRequest {
		req := platform.HeartbeatRequest{
			Status:   platform.AgentStatusOnline,
			Version:  version,
			Hostname: hostname,
		}
		if manager.IsRecording() {
			req.Status = platform.AgentStatusRecording
		}
		if err := manager.GetError(); err != nil {
			req.Status = platform.AgentStatusError
			req.ErrorMessage = err.Error()
		}

		for _, id := range manager.ListChannels() {
			ch, _ := manager.GetChannel(id)
			st := ch.GetStatus()
			req.Channels = append(req.Channels, platform.ChannelReport{
				ID:              id,
				SessionState:    st.SessionState,
				Resolution:      st.Resolution,
				Format:          st.Format,
				FramesSubmitted: st.Stats.FramesSubmitted,
				FramesDropped:   st.Stats.FramesDropped,
				UnitsEmitted:    st.Stats.UnitsEmitted,
				LastPTS:         st.Stats.LastPTS,
				Error:           st.Error,
			})
		}
		return req
	})
}
