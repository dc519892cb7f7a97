package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"livetranslate/core"
	"livetranslate/factories"
	"livetranslate/handlers/turn"
)

func main() {
	var settingsPath, logLevel string
	var jsonLogs, autoConnect bool
	flag.StringVar(&settingsPath, "settings", "", "settings file, .json or .yaml (default $SETTINGS_PATH or ./settings.json)")
	flag.StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	flag.BoolVar(&jsonLogs, "json-logs", false, "write JSON log lines to stderr")
	flag.BoolVar(&autoConnect, "connect", true, "connect the translation session on startup")
	flag.Parse()

	if err := godotenv.Load(".env.local"); err != nil {
		core.GetLogger().With(map[string]interface{}{"error": err}).Warn("No .env.local file found or failed to load")
	}

	settings := loadSettings(settingsPath)
	settings.ApplyEnv()
	if logLevel != "" {
		settings.Logging.Level = logLevel
	}
	if jsonLogs {
		settings.Logging.JSON = true
	}

	logger := newLogger(settings.Logging)
	core.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := factories.BuildSession(ctx, settings, logger)
	if err != nil {
		logger.With(map[string]interface{}{"error": err}).Fatal("failed to build session")
	}
	defer session.Close()

	if session.ControlPlane != nil {
		session.ControlPlane.OnShutdown = func(reason string) {
			logger.With(map[string]interface{}{"reason": reason}).Info("shutdown requested by control plane")
			cancel()
		}
	}
	if err := session.Start(ctx); err != nil {
		logger.With(map[string]interface{}{"error": err}).Fatal("failed to start session surfaces")
	}
	if session.ControlPlane != nil {
		// The agent dies when the control plane drops.
		go func() {
			session.ControlPlane.Wait()
			logger.Info("control plane connection lost, shutting down")
			cancel()
		}()
	}

	if settings.Metrics.Addr != "" {
		go serveMetrics(ctx, settings.Metrics.Addr, session.Metrics.Handler(), logger)
	}

	go logTransitions(ctx, session.Coordinator, logger)
	if autoConnect {
		go connect(ctx, session.Coordinator, logger)
	}
	go readCommands(ctx, cancel, os.Stdin, session, logger)

	<-ctx.Done()
	logger.Info("Shutting down...")
}

// loadSettings reads SETTINGS_JSON_B64 when set, otherwise the settings file.
// A missing or broken file falls back to defaults.
func loadSettings(path string) factories.SettingsConfig {
	logger := core.GetLogger()

	if b64 := os.Getenv("SETTINGS_JSON_B64"); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			logger.With(map[string]interface{}{"error": err}).Error("failed to decode SETTINGS_JSON_B64")
			return factories.DefaultSettingsConfig()
		}
		settings, err := factories.SettingsConfigFromJSON(data)
		if err != nil {
			logger.With(map[string]interface{}{"error": err}).Error("failed to parse SETTINGS_JSON_B64")
			return factories.DefaultSettingsConfig()
		}
		logger.Info("loaded settings from SETTINGS_JSON_B64")
		return settings
	}

	if path == "" {
		path = os.Getenv("SETTINGS_PATH")
	}
	if path == "" {
		path = "./settings.json"
	}
	settings, err := factories.SettingsConfigFromFile(path)
	if err != nil {
		logger.With(map[string]interface{}{"path": path, "error": err}).Warn("failed to load settings, using defaults")
	}
	return settings
}

func newLogger(cfg factories.LoggingSettings) *core.Logger {
	var logger *core.Logger
	if cfg.JSON {
		logger = core.NewJSONLogger(os.Stderr)
	} else {
		logger = core.NewDevelopmentLogger()
	}
	return logger.SetLevel(core.ParseLevel(cfg.Level))
}

func serveMetrics(ctx context.Context, addr string, metrics http.Handler, logger *core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.With(map[string]interface{}{"addr": addr}).Info("metrics listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.With(map[string]interface{}{"error": err}).Error("metrics server stopped")
	}
}

func connect(ctx context.Context, c *turn.Coordinator, logger *core.Logger) {
	connectCtx, cancel := context.WithTimeout(ctx, factories.ConnectTimeout)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		logger.With(map[string]interface{}{"error": err}).Error("connect failed")
	}
}

// logTransitions prints connection and mic changes plus finished transcript
// lines.
func logTransitions(ctx context.Context, c *turn.Coordinator, logger *core.Logger) {
	snaps, unsubscribe := c.Subscribe()
	defer unsubscribe()

	var last turn.Snapshot
	printed := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			if snap.Connection != last.Connection || snap.Mic != last.Mic || snap.Mode != last.Mode {
				logger.With(map[string]interface{}{
					"connection": snap.Connection.String(),
					"mode":       string(snap.Mode),
					"mic":        string(snap.Mic),
					"muted":      snap.Muted,
				}).Info("state")
			}
			for _, item := range snap.Items {
				if item.Text != "" && printed[item.ID] != item.Text && snap.Mic != turn.MicSpeaking {
					printed[item.ID] = item.Text
					fmt.Printf("[%s] %s\n", item.Role, item.Text)
				}
			}
			last = snap
		}
	}
}

const usage = `commands:
  p  hold the talk button     r  release it
  c  cancel the turn          m  toggle vad / ptt
  s  toggle speaker route     x  clear history
  k  connect                  d  disconnect
  i  simulate interruption    e  end interruption
  q  quit`

func readCommands(ctx context.Context, cancel context.CancelFunc, in io.Reader, s *factories.Session, logger *core.Logger) {
	fmt.Println(usage)
	scanner := bufio.NewScanner(in)
	c := s.Coordinator
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "p":
			c.HoldDown()
		case "r":
			c.HoldUp()
		case "c":
			err = c.Cancel()
		case "m":
			next := turn.ModePTT
			if c.Snapshot().Mode == turn.ModePTT {
				next = turn.ModeVAD
			}
			err = c.SetMode(next)
		case "s":
			route := core.RouteSpeaker
			if c.Snapshot().Route == core.RouteSpeaker {
				route = core.RouteDefault
			}
			err = c.SetRoute(route)
		case "x":
			c.ClearHistory()
		case "k":
			go connect(ctx, c, logger)
		case "d":
			c.Disconnect()
		case "i":
			s.Audio.Interrupt()
		case "e":
			s.Audio.EndInterruption()
		case "q":
			cancel()
			return
		case "":
		default:
			fmt.Println(usage)
		}
		if err != nil {
			logger.With(map[string]interface{}{"error": err}).Warn("command rejected")
		}
	}
}
