// Package main provides the CLI entry point for the WGX relay daemon.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wgx-net/wgx/internal/config"
	"github.com/wgx-net/wgx/internal/health"
	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/relay"
	"github.com/wgx-net/wgx/internal/wgkey"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wgxd",
		Short: "WGX - authenticating WireGuard relay",
		Long: `WGX is an authenticating, non-decrypting relay for WireGuard
hub-and-spoke networks.

It runs on a public host, completes ordinary WireGuard handshakes with
authorized peers, and forwards transport data between them without ever
holding their session keys. Stock WireGuard clients need no changes.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(genkeyCmd())
	rootCmd.AddCommand(pubkeyCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			m := metrics.Default()

			r, err := relay.New(cfg, m, logger)
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r.Start(ctx)

			var healthServer *health.Server
			if cfg.Health.Enabled {
				hcfg := health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}
				healthServer = health.NewServer(hcfg, &statusProvider{relay: r})
				if err := healthServer.Start(); err != nil {
					r.Close()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				logger.Info("health server listening", "address", healthServer.Addr())
			}

			<-ctx.Done()
			logger.Info("shutting down")

			if healthServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthServer.Stop(shutdownCtx)
				cancel()
			}
			return r.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/wgx/wgxd.yaml", "Path to configuration file")
	return cmd
}

func initCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration",
		Long:  "Generate a private key and write a commented example configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("refusing to overwrite existing %s", path)
			}

			sk, err := wgkey.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.Example(sk)), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", path)
			fmt.Printf("Relay public key: %s\n", sk.PublicKey())
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "wgxd.yaml", "Where to write the configuration")
	return cmd
}

func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a private key",
		Long:  "Generate a new Curve25519 private key and print it base64-encoded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := wgkey.GeneratePrivateKey()
			if err != nil {
				return err
			}
			fmt.Println(sk)
			return nil
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Derive a public key",
		Long:  "Read a base64 private key from stdin and print its public key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return fmt.Errorf("no key on stdin")
			}
			sk, err := wgkey.ParsePrivateKey(scanner.Text())
			if err != nil {
				return err
			}
			fmt.Println(sk.PublicKey())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Query a running relay's health endpoint and print its status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + address + "/status")
			if err != nil {
				return fmt.Errorf("failed to reach relay: %w", err)
			}
			defer resp.Body.Close()

			var status health.Status
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			printStatus(&status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:8080", "Health endpoint address")
	return cmd
}

func printStatus(status *health.Status) {
	fmt.Printf("Relay %s\n", status.PublicKey)
	fmt.Printf("  listening on %s, up %s\n\n",
		status.ListenAddr,
		humanize.RelTime(time.Now().Add(-time.Duration(status.UptimeSeconds)*time.Second), time.Now(), "", ""))

	fmt.Printf("Peers (%d)\n", len(status.Peers))
	for _, p := range status.Peers {
		fmt.Printf("  %s  role=%s", p.PublicKey, p.Role)
		if p.Endpoint != "" {
			fmt.Printf("  endpoint=%s", p.Endpoint)
		}
		fmt.Printf("  in=%s out=%s\n", humanize.Bytes(p.BytesIn), humanize.Bytes(p.BytesOut))
		if len(p.Counterparties) > 0 {
			fmt.Printf("    counterparties: %d\n", len(p.Counterparties))
		}
	}

	fmt.Printf("\nSessions (%d)\n", len(status.Sessions))
	for _, s := range status.Sessions {
		state := "pending"
		if s.Established {
			state = "established"
		}
		fmt.Printf("  %s  local=%d remote=%d age=%s %s\n",
			s.PeerKey, s.LocalIndex, s.RemoteIndex,
			(time.Duration(s.AgeSeconds) * time.Second).String(), state)
	}
}

// statusProvider adapts the relay to the health server.
type statusProvider struct {
	relay *relay.Relay
}

func (p *statusProvider) Status() health.Status {
	peers, sessions := p.relay.Table().Snapshot()

	status := health.Status{
		PublicKey:     p.relay.PublicKey().String(),
		ListenAddr:    p.relay.Addr().String(),
		UptimeSeconds: uint64(p.relay.Uptime() / time.Second),
		Peers:         make([]health.PeerInfo, 0, len(peers)),
		Sessions:      make([]health.SessionInfo, 0, len(sessions)),
	}

	for _, peer := range peers {
		info := health.PeerInfo{
			PublicKey: peer.Key.String(),
			Role:      peer.Role.String(),
			BytesIn:   peer.BytesIn,
			BytesOut:  peer.BytesOut,
		}
		if peer.Addr.IsValid() {
			info.Endpoint = peer.Addr.String()
		}
		if !peer.LastSeen.IsZero() {
			info.LastSeen = peer.LastSeen.UTC().Format(time.RFC3339)
		}
		for _, cp := range peer.Counterparties {
			info.Counterparties = append(info.Counterparties, cp.String())
		}
		status.Peers = append(status.Peers, info)
	}

	now := time.Now()
	for _, s := range sessions {
		status.Sessions = append(status.Sessions, health.SessionInfo{
			PeerKey:     s.Peer.String(),
			LocalIndex:  s.LocalIndex,
			RemoteIndex: s.RemoteIndex,
			AgeSeconds:  uint64(now.Sub(s.Created) / time.Second),
			Established: s.Established,
		})
	}
	return status
}
