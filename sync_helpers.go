package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hmsync/wardsync/internal/config"
	"github.com/hmsync/wardsync/internal/sync"
	"github.com/hmsync/wardsync/internal/transport"
)

// stateDirPermissions: owner only. The device database holds patient data.
const stateDirPermissions = 0o700

// engineOptions adds what only some commands need on top of the config.
type engineOptions struct {
	// online wires the server transport. Local-only commands (enqueue,
	// queue, status) leave it off so they never touch the network.
	online   bool
	registry prometheus.Registerer
}

// newSyncEngine builds a sync.Engine from the resolved config.
func newSyncEngine(ctx context.Context, cc *CLIContext, opts engineOptions) (*sync.Engine, error) {
	cfg := cc.Cfg

	if err := os.MkdirAll(cfg.StateDir, stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	policies, err := buildPolicies(cfg.Policies)
	if err != nil {
		return nil, err
	}

	device := sync.DeviceContext{
		FacilityID: cfg.FacilityID,
		DeviceName: cfg.DeviceName,
		DeviceType: cfg.DeviceType,
	}

	ecfg := &sync.EngineConfig{
		DBPath:       cfg.DeviceDBPath(),
		Device:       device,
		Logger:       cc.Logger,
		Policies:     policies,
		EntityTypes:  cfg.EntityTypes,
		IgnoreFields: cfg.IgnoreFields,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		Backoff: sync.BackoffPolicy{
			Base:   cfg.BackoffBaseDuration(),
			Max:    cfg.BackoffMaxDuration(),
			Jitter: cfg.BackoffJitter,
		},
		PullPageSize:    cfg.PullPageSize,
		MaxPullPages:    cfg.MaxPullPages,
		SyncedRetention: cfg.SyncedRetentionDuration(),
	}

	if opts.registry != nil {
		ecfg.Metrics = sync.NewMetrics(opts.registry)
	}

	if !opts.online {
		return sync.NewEngine(ctx, ecfg)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url not configured: set it in %s, WARDSYNC_SERVER_URL or --server", cc.CfgPath)
	}

	token, err := buildTokenSource(ctx, &cfg.ServerConfig)
	if err != nil {
		return nil, err
	}

	client := transport.NewClient(cfg.ServerURL, newHTTPClient(&cfg.NetworkConfig), token, cc.Logger, cfg.UserAgent)
	ecfg.Transport = client

	// The notifier needs the device id, which the engine resolves from the
	// database. It is attached after the engine is open.
	engine, err := sync.NewEngine(ctx, ecfg)
	if err != nil {
		return nil, err
	}

	if cfg.WebsocketNotify {
		engine.SetNotifier(transport.NewNotifier(client, engine.Device()))
	}

	return engine, nil
}

func buildPolicies(cfgs map[string]config.PolicyConfig) (map[string]sync.Policy, error) {
	policies := make(map[string]sync.Policy, len(cfgs))

	for entityType, pc := range cfgs {
		p, err := sync.NewPolicy(pc.Strategy, pc.Fields, pc.TimestampField)
		if err != nil {
			return nil, fmt.Errorf("policy for %s: %w", entityType, err)
		}

		policies[entityType] = p
	}

	return policies, nil
}

// buildTokenSource picks the configured authentication method: a static
// device token or the OAuth2 client-credentials grant. Neither means the
// server runs without authentication.
func buildTokenSource(ctx context.Context, s *config.ServerConfig) (transport.TokenSource, error) {
	switch {
	case s.Token != "":
		return transport.StaticToken(s.Token), nil
	case s.ClientID != "":
		return transport.NewClientCredentialsToken(ctx, transport.ClientCredentials{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			TokenURL:     s.TokenURL,
			Scopes:       s.Scopes,
		})
	default:
		return nil, nil
	}
}

// newHTTPClient applies the configured timeouts. connect_timeout bounds the
// dial; request_timeout bounds a whole request including the body.
func newHTTPClient(n *config.NetworkConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: n.ConnectTimeoutDuration()}).DialContext
	tr.TLSHandshakeTimeout = n.ConnectTimeoutDuration()

	return &http.Client{Transport: tr, Timeout: n.RequestTimeoutDuration()}
}
