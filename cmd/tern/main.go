// Package main provides the CLI entry point for the tern endpoint tools.
package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ternnet/tern"
	"github.com/ternnet/tern/internal/certutil"
	"github.com/ternnet/tern/internal/config"
	"github.com/ternnet/tern/internal/logging"
	"github.com/ternnet/tern/transport/quictransport"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tern",
		Short: "Tern - reliable UDP endpoint tools",
		Long: `Tern wraps a reliable-UDP engine behind a connection manager with
peer lifecycle events, channels, and packet delivery modes.

The serve command runs an echo endpoint; the send command delivers
a message to one and reports what came back.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the optional config file, falling back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		listenPort uint16
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo endpoint",
		Long:  "Listen for connections and echo every received packet back on its channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listenAddr != "" {
				cfg.Listen.Address = listenAddr
			}
			if listenPort != 0 {
				cfg.Listen.Port = listenPort
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			engine, err := engineFromConfig(cfg, logger)
			if err != nil {
				return err
			}
			lib, err := tern.Init(engine)
			if err != nil {
				return fmt.Errorf("failed to initialize library: %w", err)
			}
			defer lib.Close()

			bind, err := tern.ParseAddress(fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port))
			if err != nil {
				return fmt.Errorf("invalid listen address: %w", err)
			}
			settings := tern.DefaultHostSettings()
			settings.BindAddress = &bind
			settings.MaxPeers = cfg.Listen.MaxPeers
			settings.ChannelLimit = tern.ChannelLimit(cfg.Listen.ChannelLimit)
			settings.IncomingBandwidth = tern.BandwidthLimit(cfg.Listen.IncomingBandwidth)
			settings.OutgoingBandwidth = tern.BandwidthLimit(cfg.Listen.OutgoingBandwidth)
			settings.Logger = logger

			host, err := lib.NewHost(settings)
			if err != nil {
				return fmt.Errorf("failed to create host: %w", err)
			}
			defer host.Close()

			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address)
				fmt.Printf("Metrics: http://%s/metrics\n", cfg.Metrics.Address)
			}

			fmt.Printf("Listening on %s (max peers: %d)\n", host.Address(), cfg.Listen.MaxPeers)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			var received uint64
			for {
				select {
				case sig := <-sigCh:
					fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
					fmt.Printf("Total received: %s\n", humanize.Bytes(received))
					return nil
				default:
				}

				ev, err := host.Service(200 * time.Millisecond)
				if err != nil {
					return fmt.Errorf("service failed: %w", err)
				}
				if ev == nil {
					continue
				}

				switch ev.Type() {
				case tern.EventConnect:
					fmt.Printf("Peer %s connected from %s\n", ev.PeerID(), ev.Peer().Address())
				case tern.EventDisconnect:
					fmt.Printf("Peer %s disconnected (data %d)\n", ev.PeerID(), ev.Data())
				case tern.EventReceive:
					pkt := ev.Packet()
					received += uint64(len(pkt.Data()))
					fmt.Printf("Peer %s sent %s on channel %d: %q\n",
						ev.PeerID(), humanize.Bytes(uint64(len(pkt.Data()))), ev.ChannelID(), pkt.Data())
					if peer := ev.Peer(); peer != nil {
						echo, err := lib.NewPacket(pkt.Data(), pkt.Mode())
						if err == nil {
							if err := peer.SendPacket(echo, ev.ChannelID()); err != nil {
								fmt.Printf("Echo to %s failed: %v\n", ev.PeerID(), err)
							}
						}
					}
					pkt.Destroy()
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	cmd.Flags().Uint16Var(&listenPort, "port", 0, "Listen port (overrides config)")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		configPath string
		target     string
		port       uint16
		channel    uint8
		message    string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to an endpoint",
		Long:  "Connect to an endpoint, deliver one message, and wait for the echo before disconnecting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			packetMode, err := parseMode(mode)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			engine, err := engineFromConfig(cfg, logger)
			if err != nil {
				return err
			}
			lib, err := tern.Init(engine)
			if err != nil {
				return fmt.Errorf("failed to initialize library: %w", err)
			}
			defer lib.Close()

			addr, err := lib.ResolveAddress(target, port)
			if err != nil {
				return fmt.Errorf("failed to resolve %q: %w", target, err)
			}

			settings := tern.DefaultHostSettings()
			settings.MaxPeers = 1
			settings.Logger = logger

			host, err := lib.NewHost(settings)
			if err != nil {
				return fmt.Errorf("failed to create host: %w", err)
			}
			defer host.Close()

			id, err := host.Connect(addr, int(channel)+1, 0)
			if err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}

			deadline := time.Now().Add(10 * time.Second)
			connected := false
			for !connected && time.Now().Before(deadline) {
				ev, err := host.Service(250 * time.Millisecond)
				if err != nil {
					return fmt.Errorf("service failed: %w", err)
				}
				if ev == nil {
					continue
				}
				switch ev.Type() {
				case tern.EventConnect:
					connected = true
				case tern.EventDisconnect:
					return fmt.Errorf("connection to %s refused", addr)
				}
			}
			if !connected {
				return fmt.Errorf("connection to %s timed out", addr)
			}
			fmt.Printf("Connected to %s as %s\n", addr, id)

			pkt, err := lib.NewPacket([]byte(message), packetMode)
			if err != nil {
				return fmt.Errorf("packet creation failed: %w", err)
			}
			peer := host.Peer(id)
			if peer == nil {
				return fmt.Errorf("peer %s vanished", id)
			}
			if err := peer.SendPacket(pkt, channel); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent %s on channel %d (%s)\n",
				humanize.Bytes(uint64(len(message))), channel, packetMode)

			// Wait for the echo, then hand the disconnect reason to the
			// server and wait for it to be acknowledged.
			for time.Now().Before(deadline) {
				ev, err := host.Service(250 * time.Millisecond)
				if err != nil {
					return fmt.Errorf("service failed: %w", err)
				}
				if ev == nil {
					continue
				}
				switch ev.Type() {
				case tern.EventReceive:
					fmt.Printf("Echo on channel %d: %q\n", ev.ChannelID(), ev.Packet().Data())
					ev.Packet().Destroy()
					if p := ev.Peer(); p != nil {
						p.DisconnectLater(5)
					}
				case tern.EventDisconnect:
					fmt.Println("Disconnected.")
					return nil
				}
			}
			return fmt.Errorf("timed out waiting for echo from %s", addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&target, "host", "127.0.0.1", "Target hostname or IPv4 address")
	cmd.Flags().Uint16Var(&port, "port", 9001, "Target port")
	cmd.Flags().Uint8Var(&channel, "channel", 1, "Channel to send on")
	cmd.Flags().StringVarP(&message, "message", "m", "harro", "Message payload")
	cmd.Flags().StringVar(&mode, "mode", "reliable", "Delivery mode: reliable, sequenced, unsequenced")

	return cmd
}

// engineFromConfig builds the QUIC engine from the TLS section. Without
// cert and key files the engine mints a self-signed certificate.
func engineFromConfig(cfg *config.Config, logger *slog.Logger) (*quictransport.Engine, error) {
	opts := quictransport.Options{
		StrictVerify: cfg.TLS.StrictVerify,
		Logger:       logger,
	}
	if cfg.TLS.Cert != "" {
		cert, err := certutil.LoadCert(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsCert, err := cert.TLSCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS certificate: %w", err)
		}
		opts.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			MinVersion:   tls.VersionTLS13,
		}
	}
	return quictransport.New(opts), nil
}

// parseMode maps a mode flag to a packet mode.
func parseMode(s string) (tern.PacketMode, error) {
	switch s {
	case "reliable":
		return tern.ReliableSequenced, nil
	case "sequenced":
		return tern.UnreliableSequenced, nil
	case "unsequenced":
		return tern.UnreliableUnsequenced, nil
	}
	return 0, fmt.Errorf("unknown mode %q (reliable, sequenced, unsequenced)", s)
}

// serveMetrics exposes the Prometheus registry.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	server.ListenAndServe()
}
