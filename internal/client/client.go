package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/TheMichaelB/marksync/internal/config"
	"github.com/TheMichaelB/marksync/internal/connectivity"
	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/oplog"
	"github.com/TheMichaelB/marksync/internal/services/auth"
	"github.com/TheMichaelB/marksync/internal/services/sync"
	"github.com/TheMichaelB/marksync/internal/state"
	"github.com/TheMichaelB/marksync/internal/transport"
)

// Client wires the sync engine together from configuration.
type Client struct {
	Auth    *auth.Service
	Sync    *sync.Coordinator
	Monitor *connectivity.Monitor
	Log     oplog.Log

	config    *config.Config
	logger    *events.Logger
	transport transport.BatchTransport
	closers   []io.Closer
}

// New creates a new marksync client.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	// Create operation log
	opLog, err := oplog.NewSQLiteLog(cfg.Storage.LogPath, cfg.Storage.Driver, logger)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}

	// Sync status lives next to the log so it survives restarts
	stateStore, err := state.NewJSONStore(filepath.Join(filepath.Dir(cfg.Storage.LogPath), "sync_state.json"), logger)
	if err != nil {
		_ = opLog.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}

	// Create transport
	batchTransport := transport.NewHTTPBatchTransport(&cfg.API, logger)

	// Create services
	authService := auth.NewService(cfg.Auth.TokenFile, logger)

	var tokens auth.TokenSource = authService
	if cfg.Auth.Token != "" {
		tokens = auth.StaticTokenSource(cfg.Auth.Token)
	}

	c := &Client{
		Auth:      authService,
		Log:       opLog,
		config:    cfg,
		logger:    logger,
		transport: batchTransport,
		closers:   []io.Closer{opLog, stateStore},
	}

	c.Monitor = c.newMonitor()

	c.Sync = sync.NewCoordinator(opLog, batchTransport, tokens, c.Monitor, sync.Options{
		MaxRetries:       cfg.Sync.MaxRetries,
		MaxConcurrent:    cfg.Sync.MaxConcurrent,
		DisableAutoFlush: !cfg.Sync.FlushOnEnqueue,
		Strict:           cfg.Dev.Strict,
		State:            stateStore,
	}, logger)

	return c, nil
}

func (c *Client) newMonitor() *connectivity.Monitor {
	cc := c.config.Connectivity
	opts := connectivity.Options{
		PollInterval: cc.PollInterval,
		ProbeTimeout: cc.ProbeTimeout,
		Metered:      cc.Metered,
	}

	var prober connectivity.Prober
	switch cc.Mode {
	case "presence":
		presence := connectivity.NewPresenceProber(c.config.API.BaseURL, cc.PresencePath, cc.ProbeTimeout, c.logger)
		c.closers = append([]io.Closer{presence}, c.closers...)
		prober = presence
	case "manual":
		// The host pushes state through Monitor.Set.
	default:
		prober = connectivity.NewHTTPProber(c.config.API.BaseURL, cc.HealthPath, cc.ProbeTimeout)
	}

	monitor := connectivity.NewMonitor(prober, opts, c.logger)

	if prober == nil {
		link := connectivity.InterfaceTransport()
		monitor.Set(connectivity.State{
			Connected: true,
			Transport: link,
			Expensive: link == connectivity.TransportCellular || cc.Metered,
		})
	}

	return monitor
}

// Start begins connectivity polling and flush-on-reconnect.
func (c *Client) Start(ctx context.Context) {
	c.Monitor.Start(ctx)
	c.Sync.Start(ctx)
}

// Stop ends background work and waits for in-flight flushes.
func (c *Client) Stop() {
	c.Sync.Stop()
	c.Monitor.Stop()
}

// CheckConnectivity probes once and returns the resulting state.
func (c *Client) CheckConnectivity(ctx context.Context) connectivity.State {
	return c.Monitor.Check(ctx)
}

// Operations lists every queued operation, oldest first.
func (c *Client) Operations(ctx context.Context) ([]*models.SyncOperation, error) {
	return c.Log.List(ctx)
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.config
}

// Close stops background work and releases the log and sockets.
func (c *Client) Close() error {
	c.Stop()

	var errs []error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
