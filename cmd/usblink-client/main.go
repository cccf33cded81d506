package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usblink/usblink/client"
	"github.com/usblink/usblink/config"
	"github.com/usblink/usblink/device"
	"github.com/usblink/usblink/discovery"
	"github.com/usblink/usblink/event"
)

// discoverTimeout bounds the wait for a first mDNS answer when no
// address was given.
const discoverTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "settings file (flags override; last server saved back)")
	address := flag.String("address", "", "server address (mDNS discovery when empty)")
	port := flag.Int("port", config.DefaultPort, "server port")
	useTLS := flag.Bool("tls", false, "connect over TLS")
	noReconnect := flag.Bool("no-reconnect", false, "exit on connection loss instead of retrying")
	video := flag.Bool("video", false, "request the camera stream")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultClientConfig()
	var store config.ClientStore
	if *configPath != "" {
		fileStore := config.FileClientStore{Path: *configPath}
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
		case "address":
			cfg.Address = *address
		case "port":
			cfg.Port = *port
		case "tls":
			cfg.UseTLS = *useTLS
		case "no-reconnect":
			cfg.AutoReconnect = !*noReconnect
		}
	})
	cfg.AutoDiscover = cfg.Address == ""

	events := event.NewBus()

	if cfg.AutoDiscover {
		peer, err := discoverServer(ctx, events)
		if err != nil {
			slog.Error("No server found on the network", "error", err)
			os.Exit(1)
		}
		slog.Info("Using discovered server", "name", peer.Name, "addr", peer.Addr(), "tls", peer.TLSEnabled)
		cfg.Address = peer.Address
		cfg.Port = peer.Port
		cfg.UseTLS = peer.TLSEnabled
	}

	// Remember the effective server so the next run can skip discovery.
	if store != nil {
		if err := store.Save(cfg); err != nil {
			slog.Warn("Failed to save settings", "path", *configPath, "error", err)
		}
	}

	// Loopback device: server data is echoed to stdout, stdin is not
	// wired. Stands in for the application's virtual serial port.
	dev := device.NewMemory()
	go func() {
		for data := range dev.Written {
			os.Stdout.Write(data)
		}
	}()

	opts := client.Options{
		Config:      cfg,
		Device:      dev,
		Events:      events,
		EnableVideo: *video,
	}
	if *video {
		opts.FrameSink = func(frame []byte) {
			slog.Debug("Frame received", "size", len(frame))
		}
	}

	sess, err := client.New(opts)
	if err != nil {
		slog.Error("Invalid client configuration", "error", err)
		os.Exit(1)
	}

	if err := sess.Run(ctx); err != nil {
		slog.Error("Session ended", "error", err)
		os.Exit(1)
	}
}

// discoverServer waits for the first announced bridge server.
func discoverServer(ctx context.Context, events *event.Bus) (discovery.Peer, error) {
	found := make(chan event.Event, 1)
	events.Subscribe(event.TopicPeerAdded, found)
	defer events.Unsubscribe(event.TopicPeerAdded, found)

	browseCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	browser := discovery.NewBrowser(events)
	go browser.Run(browseCtx)

	select {
	case ev := <-found:
		if peer, ok := ev.Payload.(discovery.Peer); ok {
			return peer, nil
		}
		return discovery.Peer{}, context.DeadlineExceeded
	case <-browseCtx.Done():
		return discovery.Peer{}, browseCtx.Err()
	}
}
