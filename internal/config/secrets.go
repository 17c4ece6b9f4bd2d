package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Secrets holds the credentials read from the environment. In development a
// .env file loaded with godotenv before [LoadSecrets] fills the same
// variables.
type Secrets struct {
	Discord  DiscordSecrets
	Postgres PostgresSecrets
	Minio    MinioSecrets
}

// DiscordSecrets identifies the bot to the chat platform.
type DiscordSecrets struct {
	// Token authenticates the gateway session.
	Token string `env:"DISCORD_TOKEN, required"`

	// GuildID scopes slash-command registration to a single guild when set.
	// Guild-scoped commands propagate instantly, which is what you want in
	// development; empty registers them globally.
	GuildID string `env:"DISCORD_GUILD_ID"`

	// RequireManageServer gates /stop and /settings set behind the Manage
	// Server permission. Off by default so small servers work out of the box.
	RequireManageServer bool `env:"DISCORD_REQUIRE_MANAGE_SERVER"`
}

// PostgresSecrets locates the settings and track database.
type PostgresSecrets struct {
	Host     string `env:"POSTGRES_HOST, default=localhost"`
	Port     string `env:"POSTGRES_PORT, default=5432"`
	Username string `env:"POSTGRES_USERNAME, required"`
	Password string `env:"POSTGRES_PASSWORD, required"`
	Database string `env:"POSTGRES_DATABASE, default=aulos"`
	SSLMode  string `env:"POSTGRES_SSLMODE, default=disable"`
}

// DSN assembles the pgx connection string.
func (p PostgresSecrets) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.Username,
		p.Password,
		p.Host,
		p.Port,
		p.Database,
		p.SSLMode,
	)
}

// MinioSecrets locates the track asset object store.
type MinioSecrets struct {
	Endpoint  string `env:"MINIO_ENDPOINT, required"`
	AccessKey string `env:"MINIO_ACCESS_KEY, required"`
	SecretKey string `env:"MINIO_SECRET_KEY, required"`
	Bucket    string `env:"MINIO_BUCKET, default=aulos"`
	UseSSL    bool   `env:"MINIO_USE_SSL"`
}

// LoadSecrets reads credentials from the environment.
func LoadSecrets(ctx context.Context) (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process(ctx, &s); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	return &s, nil
}
