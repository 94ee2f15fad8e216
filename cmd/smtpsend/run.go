package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/smtppool"
	"github.com/infodancer/smtppool/internal/config"
	"github.com/infodancer/smtppool/internal/logging"
	"github.com/infodancer/smtppool/message"
	"github.com/infodancer/smtppool/metrics"
)

func run(cfg config.Config, flags *config.Flags) error {
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	pool, err := buildPool(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer pool.Close()

	if flags.Verify {
		if err := pool.Verify(ctx); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		logger.Info("connection settings verified", "transport", pool.Name(), "version", pool.Version())
		return nil
	}

	if flags.From == "" {
		return errors.New("-from is required")
	}
	if flags.To == "" {
		return errors.New("-to is required")
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading message body from stdin: %w", err)
	}

	msg := message.New().
		SetFrom(flags.From).
		AddTo(splitAddresses(flags.To)...).
		SetBody(string(body))
	if flags.Subject != "" {
		msg.SetSubject(flags.Subject)
	}

	info, err := pool.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	logger.Info("message sent",
		"message_id", info.MessageID,
		"accepted", len(info.Accepted),
		"rejected", len(info.Rejected),
		"size", info.Size)
	return nil
}

// buildPool translates the file configuration into pool options. A
// connection URL replaces the individual server settings but still takes
// pool sizing, timeouts and observability from the file.
func buildPool(cfg config.Config, logger *slog.Logger, collector metrics.Collector) (*smtppool.Pool, error) {
	opts := &smtppool.Options{}
	if cfg.SMTP.URL != "" {
		parsed, err := smtppool.ParseURL(cfg.SMTP.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts.Host = cfg.SMTP.Host
		opts.Port = cfg.SMTP.Port
		opts.Secure = cfg.SMTP.Secure
		opts.IgnoreTLS = cfg.SMTP.IgnoreTLS
		opts.RequireTLS = cfg.SMTP.RequireTLS
		opts.Name = cfg.SMTP.Name
		opts.LocalAddress = cfg.SMTP.LocalAddress
		opts.Service = cfg.SMTP.Service
		opts.Debug = cfg.SMTP.Debug
		if a := cfg.SMTP.Auth; a.User != "" {
			opts.Auth = &smtppool.Auth{User: a.User, Pass: a.Pass, XOAuth2: a.XOAuth2}
			opts.AuthMethod = a.Method
		}
	}

	opts.MaxConnections = cfg.Pool.MaxConnections
	opts.MaxMessages = cfg.Pool.MaxMessages
	opts.RateLimit = cfg.Pool.RateLimit
	opts.ConnectionTimeout = cfg.Timeouts.ConnectionTimeout()
	opts.GreetingTimeout = cfg.Timeouts.GreetingTimeout()
	opts.SocketTimeout = cfg.Timeouts.SocketTimeout()

	if cfg.TLS.ServerName != "" || cfg.TLS.InsecureSkipVerify {
		opts.TLS = &tls.Config{
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
	}

	opts.Logger = logger
	opts.Collector = collector
	return smtppool.New(opts)
}

// splitAddresses splits a comma-separated recipient list, trimming
// whitespace and dropping empty entries.
func splitAddresses(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
