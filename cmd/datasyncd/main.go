// Package main is the entry point for the datasync daemon.
//
// datasyncd serves tree stores to websocket clients. Each client binds
// stores and keeps them synchronized in both directions. Configuration is
// read from CLI flags and a YAML file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maruel/datasync/internal/config"
	"github.com/maruel/datasync/internal/datasync"
	"github.com/maruel/datasync/internal/logging"
	"github.com/maruel/datasync/internal/server"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "datasyncd: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	schema := flag.Bool("schema", false, "Print the JSON schema of the configuration file and exit")
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	httpAddr := flag.String("http", "", "Address to listen on (e.g., localhost:8080, :8080). Overrides the configuration file.")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	watchExe := flag.Bool("watch", false, "Exit when the executable is modified")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}
	if *schema {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", b)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	ll.Set(level)
	slog.SetDefault(logging.New(ll))

	cfg := &config.Config{HTTP: config.DefaultHTTP}
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	} else {
		slog.WarnContext(ctx, "No -config given, no store is served")
	}
	if *httpAddr != "" {
		cfg.HTTP = *httpAddr
	}
	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := cfg.HTTP
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	srv := datasync.NewServer()
	stores, err := server.Configure(srv, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	if *configPath != "" {
		if err := config.Watch(ctx, *configPath, stores.Reload); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
	}
	if *watchExe {
		if err := watchExecutable(ctx, stop); err != nil {
			return fmt.Errorf("failed to watch executable: %w", err)
		}
	}

	buildVersion, _, _, _ := getBuildInfo()
	httpServer := &http.Server{
		Addr: addr,
		Handler: server.NewRouter(srv, &server.Config{
			JWTSecret: []byte(cfg.Auth.JWTSecret),
			Version:   buildVersion,
		}),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "stores", len(cfg.Stores), "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	// Wait for either context cancellation or server error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("datasyncd %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable calls stop when the executable is rebuilt.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
