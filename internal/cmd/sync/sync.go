// Package sync parses sync command flags and composes transport entrypoints.
package sync

import (
	"context"
	"flag"
	"fmt"

	"github.com/louisbranch/tenebrae.world/internal/platform/config"
	server "github.com/louisbranch/tenebrae.world/internal/services/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr            string `env:"TENEBRAE_SYNC_HTTP_ADDR" envDefault:":8090"`
	DBPath              string `env:"TENEBRAE_SYNC_DB_PATH"   envDefault:"sync.db"`
	AuthBaseURL         string `env:"TENEBRAE_AUTH_BASE_URL"`
	OAuthResourceSecret string `env:"TENEBRAE_OAUTH_RESOURCE_SECRET"`
	SessionIssuer       string `env:"TENEBRAE_SESSION_ISSUER"`
	SessionAudience     string `env:"TENEBRAE_SESSION_AUDIENCE"`
	SessionPublicKey    string `env:"TENEBRAE_SESSION_PUBLIC_KEY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "campaign record SQLite path")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service base URL")
	fs.StringVar(&cfg.OAuthResourceSecret, "oauth-resource-secret", cfg.OAuthResourceSecret, "auth introspection resource secret")
	fs.StringVar(&cfg.SessionIssuer, "session-issuer", cfg.SessionIssuer, "session token issuer")
	fs.StringVar(&cfg.SessionAudience, "session-audience", cfg.SessionAudience, "session token audience")
	fs.StringVar(&cfg.SessionPublicKey, "session-public-key", cfg.SessionPublicKey, "base64 ed25519 session verification key")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	if err := server.Run(ctx, server.Config{
		HTTPAddr:            cfg.HTTPAddr,
		DBPath:              cfg.DBPath,
		AuthBaseURL:         cfg.AuthBaseURL,
		OAuthResourceSecret: cfg.OAuthResourceSecret,
		SessionIssuer:       cfg.SessionIssuer,
		SessionAudience:     cfg.SessionAudience,
		SessionPublicKey:    cfg.SessionPublicKey,
	}); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}
