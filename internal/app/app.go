package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/app/server"
	"ipwarden/internal/app/version"
	"ipwarden/internal/support"
)

const defaultPort = 8080

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	closeLog := configureLogging()
	defer closeLog()

	portFlag := flag.Int("port", defaultPort, "Port for the API server")
	guardAll := flag.Bool("guard", false, "Apply the block decision to every request, admin API included")
	flag.Parse()

	port := resolvePort("WARDEN_PORT", "PORT", *portFlag)
	info := version.Get()
	log.Info("ipwarden starting", "version", info.Version, "built_at", info.BuiltAt, "go", info.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Setup(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("error releasing resources", "error", err)
		}
	}()

	srv := server.New(rt.Warden, server.Options{
		TrustProxyHeaders: func() bool { return rt.Config.GetConfig().Server.TrustProxyHeaders },
		Settings:          rt.Config,
	})

	handler := srv.Routes()
	if *guardAll || support.GetEnvBool("WARDEN_GUARD_ALL", false) {
		handler = srv.Guard(handler)
	}

	return server.Serve(ctx, port, handler)
}

// configureLogging sets the level from LOG_LEVEL and, when LOG_FILE is set,
// mirrors output into a rotating file.
func configureLogging() func() {
	level := log.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)

	path := os.Getenv("LOG_FILE")
	if path == "" {
		return func() {}
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    support.GetEnvInt("LOG_MAX_SIZE", 10),
		MaxBackups: support.GetEnvInt("LOG_MAX_BACKUPS", 3),
		MaxAge:     support.GetEnvInt("LOG_MAX_AGE", 28),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return func() { _ = file.Close() }
}

func resolvePort(primaryEnv, fallbackEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(fallbackEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
