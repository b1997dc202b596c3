package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawnode/internal/config"
	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/internal/identity"
	"github.com/nextlevelbuilder/clawnode/internal/secrets"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

// node bundles what every gateway-facing command needs.
type node struct {
	cfg      *config.Config
	cfgPath  string
	store    secrets.Store
	identity *identity.Manager
}

// loadNode loads config and opens the secret store, exiting on failure.
func loadNode() *node {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	store, err := openSecrets(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening secret store: %s\n", err)
		os.Exit(1)
	}
	return &node{
		cfg:      cfg,
		cfgPath:  cfgPath,
		store:    store,
		identity: identity.NewManager(store),
	}
}

func openSecrets(cfg *config.Config) (secrets.Store, error) {
	opts := secrets.Options{
		Backend: cfg.Storage.Backend,
		Service: cfg.Storage.Service,
		Dir:     config.ExpandHome(cfg.Storage.Dir),
	}
	if opts.Backend == secrets.BackendFile {
		opts.Passphrase = os.Getenv(cfg.Storage.PassphraseEnv)
		if opts.Passphrase == "" {
			pass, err := promptPassword("Secret vault passphrase",
				fmt.Sprintf("Unlocks %s (set $%s to skip this prompt)", opts.Dir, cfg.Storage.PassphraseEnv))
			if errors.Is(err, errNoTerminal) {
				return nil, fmt.Errorf("file vault is locked: set $%s", cfg.Storage.PassphraseEnv)
			}
			if err != nil {
				return nil, err
			}
			opts.Passphrase = pass
		}
	}
	return secrets.Open(opts)
}

// gatewayURL picks the target: flag, then config, then the last URL used.
func (n *node) gatewayURL(flag string) (string, error) {
	raw := flag
	if raw == "" {
		raw = n.cfg.Gateway.URL
	}
	if raw == "" {
		last, err := n.store.Get(secrets.KeyLastGatewayURL)
		if err != nil && !errors.Is(err, secrets.ErrNotFound) {
			return "", err
		}
		raw = last
	}
	if raw == "" {
		return "", errors.New("no gateway url: pass --url or set gateway.url in the config")
	}
	return config.NormalizeGatewayURL(raw)
}

func (n *node) rememberURL(url string) {
	if err := n.store.Set(secrets.KeyLastGatewayURL, url); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not remember gateway url: %s\n", err)
	}
}

func (n *node) clientInfo() protocol.ClientInfo {
	g := n.cfg.Gateway
	platform := g.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	family := g.DeviceFamily
	if family == "" {
		family = "desktop"
	}
	return protocol.ClientInfo{
		ID:           g.ClientID,
		DisplayName:  g.DisplayName,
		Version:      Version,
		Platform:     platform,
		DeviceFamily: family,
		Mode:         g.ClientMode,
		InstanceID:   uuid.NewString(),
	}
}

func (n *node) newConnection() *gateway.Connection {
	g := n.cfg.Gateway
	return gateway.NewConnection(n.identity, gateway.Options{
		Client:           n.clientInfo(),
		Role:             g.Role,
		Scopes:           g.Scopes,
		Caps:             g.Caps,
		Commands:         []string{protocol.NodeEventVoiceTranscript},
		Locale:           g.Locale,
		InitialBackoff:   g.InitialBackoff(),
		MaxBackoff:       g.MaxBackoff(),
		HandshakeTimeout: g.HandshakeTimeout(),
	})
}

// connectOnce connects and waits for hello-ok. It returns the pairing
// rejection as *gateway.ChallengeFailedError.
func connectOnce(ctx context.Context, conn *gateway.Connection, url string) error {
	if err := conn.Connect(url); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for gateway at %s: %w", url, ctx.Err())
		case ev, ok := <-conn.Events():
			if !ok {
				return gateway.ErrClosed
			}
			switch e := ev.(type) {
			case gateway.ConnectedEvent:
				return nil
			case gateway.ErrorEvent:
				if _, ok := gateway.AsPairingRequired(e.Err); ok {
					return e.Err
				}
				if errors.Is(e.Err, gateway.ErrTokenNotPersisted) {
					return e.Err
				}
			}
		}
	}
}

// withConnection runs fn on a connected, paired gateway connection.
func (n *node) withConnection(ctx context.Context, urlFlag string, timeout time.Duration, fn func(*gateway.Connection) error) error {
	url, err := n.gatewayURL(urlFlag)
	if err != nil {
		return err
	}
	conn := n.newConnection()
	defer conn.Close()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := connectOnce(cctx, conn, url); err != nil {
		if cf, ok := gateway.AsPairingRequired(err); ok {
			return fmt.Errorf("device not paired (request %s): run `clawnode pair --wait` and approve it on the gateway", cf.RequestID)
		}
		return err
	}
	n.rememberURL(url)
	return fn(conn)
}
