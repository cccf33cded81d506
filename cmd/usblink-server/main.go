package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/usblink/usblink/config"
	"github.com/usblink/usblink/device"
	"github.com/usblink/usblink/mcp"
	"github.com/usblink/usblink/server"
	"github.com/usblink/usblink/web"
)

func main() {
	configPath := flag.String("config", "", "settings file (flags override; effective settings saved back)")
	name := flag.String("name", "", "server name advertised on the network")
	port := flag.Int("port", config.DefaultPort, "TCP port to listen on")
	useTLS := flag.Bool("tls", false, "serve TLS")
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS key file")
	noDiscovery := flag.Bool("no-discovery", false, "disable mDNS announcement")
	webAddr := flag.String("web", "", "web API listen address, e.g. :8080 (disabled when empty)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools on stdio")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logger))

	cfg := config.DefaultServerConfig()
	var store config.ServerStore
	if *configPath != "" {
		fileStore := config.FileServerStore{Path: *configPath}
		loaded, err := fileStore.Load()
		if err != nil {
			slog.Error("Failed to load settings", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
		store = fileStore
	}

	// Flags passed explicitly win over stored settings.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.ServerName = *name
		case "port":
			cfg.Port = *port
		case "tls":
			cfg.UseTLS = *useTLS
		case "cert":
			cfg.CertFile = *certFile
		case "key":
			cfg.KeyFile = *keyFile
		case "no-discovery":
			cfg.EnableDiscovery = !*noDiscovery
		}
	})

	if store != nil {
		if err := store.Save(cfg); err != nil {
			slog.Warn("Failed to save settings", "path", *configPath, "error", err)
		}
	}

	// Loopback device: acknowledges every command. Stands in for the
	// serial port until a hardware backend is attached.
	dev := device.NewMemory()
	go func() {
		for range dev.Written {
			dev.Feed([]byte("ok\n"))
		}
	}()

	srv, err := server.New(server.Options{Config: cfg, Device: dev})
	if err != nil {
		slog.Error("Invalid server configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *webAddr != "" {
		ui := web.New(srv, nil)
		go func() {
			if err := ui.Start(*webAddr); err != nil {
				slog.Error("Web API failed", "error", err)
			}
		}()
		defer ui.Shutdown(context.Background())
	}

	if *mcpStdio {
		go func() {
			if err := mcp.NewClient(mcp.NewMCPServer(), srv, nil).Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
