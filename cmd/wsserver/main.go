// Command wsserver runs the standalone WebSocket server binary: a
// cobra root command whose flags are bound into viper (config.Load),
// an echo handler wired as the default generator, and an optional
// Prometheus listener on a separate address.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/larskiel/wsserver/internal/config"
	"github.com/larskiel/wsserver/internal/echo"
	"github.com/larskiel/wsserver/internal/logging"
	"github.com/larskiel/wsserver/internal/metrics"
	"github.com/larskiel/wsserver/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "wsserver",
		Short: "A bare-socket WebSocket server",
		Long: `wsserver speaks RFC 6455 directly over TCP sockets: no net/http
upgrade path, no hijacking, just an accept loop, a handshake parser
and a frame codec.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", defaults.Port, "TCP port to listen on (required)")
	flags.String("service", defaults.Service, "service name matched against the handshake request path")
	flags.String("generator", "echo", "handler to run for each connection (only \"echo\" is built in)")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "time allowed to drain in-flight writes on shutdown")
	flags.Duration("ping-interval", defaults.PingInterval, "interval between server-originated heartbeat pings")
	flags.Duration("read-write-timeout", defaults.ReadWriteTimeout, "per-operation socket read/write deadline")
	flags.Duration("handshake-timeout", defaults.HandshakeTimeout, "time allowed for a client to complete the handshake")
	flags.Duration("accept-poll-interval", defaults.AcceptPollInterval, "accept poll interval (the accept loop blocks on Accept and does not poll)")
	flags.Duration("data-poll-interval", defaults.DataPollInterval, "interval at which each connection's write queue is pumped")
	flags.Int("receive-buffer-size", defaults.ReceiveBufferSize, "kernel receive buffer size hint")
	flags.Int("send-buffer-size", defaults.SendBufferSize, "kernel send buffer size hint")
	flags.Int("max-receive-size", defaults.MaxReceiveSize, "maximum accepted frame/message size in bytes")
	flags.Int("accept-rate-limit", defaults.AcceptRateLimit, "maximum accepted connections per second (0 disables)")
	flags.String("metrics-addr", defaults.MetricsAddr, "address to serve Prometheus metrics on, empty disables it")

	for _, name := range []string{
		"port", "service", "generator", "shutdown-timeout", "ping-interval",
		"read-write-timeout", "handshake-timeout", "accept-poll-interval",
		"data-poll-interval", "receive-buffer-size",
		"send-buffer-size", "max-receive-size", "accept-rate-limit", "metrics-addr",
	} {
		key := viperKey(name)
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// viperKey turns a dash-separated flag name into config's
// underscore-separated mapstructure key.
func viperKey(flagName string) string {
	out := make([]byte, len(flagName))
	for i := 0; i < len(flagName); i++ {
		if flagName[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = flagName[i]
		}
	}
	return string(out)
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewDefault()
	m := metrics.New(nil)

	factory := echo.NewFactory(log)
	srv := server.New(cfg, log, m, factory)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Warn("listening", logging.Fields{"addr": srv.Addr().String(), "service": cfg.Service})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", err, nil)
			}
		}()
		log.Warn("serving metrics", logging.Fields{"addr": cfg.MetricsAddr})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Warn("shutting down", nil)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(context.Background())
	}
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}
