package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportTurbo  = "turbo"
	TransportBucket = "bucket"
	TransportDir    = "dir"
)

// Config is the runtime configuration of the server.
type Config struct {
	Addr        string
	DBPath      string
	ShowStats   bool
	Dev         bool
	CORSOrigins []string

	LogLevel string
	LogJSON  bool
	LogFile  string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	MaxDownloadMB      int64

	Transport       string
	TurboUploadURL  string
	TurboPaymentURL string
	GatewayURL      string
	BucketEndpoint  string
	BucketAccessKey string
	BucketSecretKey string
	BucketName      string
	BucketPrefix    string
	BucketRegion    string
	BucketInsecure  bool
	UploadDir       string

	WalletBridgeURL   string
	WalletBridgeToken string
	WalletAddress     string

	HandleIdle      time.Duration
	JanitorInterval time.Duration
}

// envBindings maps flags to the environment variables that seed them.
var envBindings = []struct{ flag, env string }{
	{"addr", "WEAVEBOX_ADDR"},
	{"db", "WEAVEBOX_DB"},
	{"dev", "WEAVEBOX_DEV"},
	{"cors-origins", "CORS_ORIGINS"},
	{"log-level", "LOG_LEVEL"},
	{"log-json", "LOG_JSON"},
	{"log-file", "LOG_FILE"},
	{"google-client-id", "GOOGLE_CLIENT_ID"},
	{"google-client-secret", "GOOGLE_CLIENT_SECRET"},
	{"google-redirect-url", "GOOGLE_REDIRECT_URL"},
	{"max-download-mb", "DRIVE_MAX_DOWNLOAD_MB"},
	{"transport", "UPLOAD_TRANSPORT"},
	{"turbo-upload-url", "TURBO_UPLOAD_URL"},
	{"turbo-payment-url", "TURBO_PAYMENT_URL"},
	{"gateway-url", "ARWEAVE_GATEWAY_URL"},
	{"s3-endpoint", "S3_ENDPOINT"},
	{"s3-access-key", "S3_ACCESS_KEY"},
	{"s3-secret-key", "S3_SECRET_KEY"},
	{"s3-bucket", "S3_BUCKET"},
	{"s3-prefix", "S3_PREFIX"},
	{"s3-region", "S3_REGION"},
	{"s3-insecure", "S3_INSECURE"},
	{"upload-dir", "UPLOAD_DIR"},
	{"wallet-bridge-url", "WALLET_BRIDGE_URL"},
	{"wallet-bridge-token", "WALLET_BRIDGE_TOKEN"},
	{"wallet-address", "WALLET_ADDRESS"},
	{"handle-idle", "HANDLE_IDLE"},
	{"janitor-interval", "JANITOR_INTERVAL"},
}

// Load builds the configuration from defaults, the .env file, the
// environment and finally args. Flags win over the environment, which
// wins over the .env file.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	var corsOrigins, envFile string

	flags := flag.NewFlagSet("weavebox", flag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&cfg.Addr, "addr", "127.0.0.1:8080", "HTTP listen address")
	flags.StringVar(&cfg.DBPath, "db", "weavebox.db", "SQLite database path")
	flags.BoolVar(&cfg.ShowStats, "stats", false, "Show staging statistics and exit")
	flags.BoolVar(&cfg.Dev, "dev", false, "Development mode: disables CORS restrictions and rate limiting")
	flags.StringVar(&corsOrigins, "cors-origins", "http://localhost:3000", "Comma-separated list of allowed CORS origins")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", false, "Emit JSON logs")
	flags.StringVar(&cfg.LogFile, "log-file", "", "Also write logs to this file, rotated")
	flags.StringVar(&cfg.GoogleClientID, "google-client-id", "", "Google OAuth client id")
	flags.StringVar(&cfg.GoogleClientSecret, "google-client-secret", "", "Google OAuth client secret")
	flags.StringVar(&cfg.GoogleRedirectURL, "google-redirect-url", "", "OAuth redirect URL (default derived from -addr)")
	flags.Int64Var(&cfg.MaxDownloadMB, "max-download-mb", 512, "Largest Drive file accepted for import, in MiB")
	flags.StringVar(&cfg.Transport, "transport", TransportDir, "Upload transport: turbo, bucket or dir")
	flags.StringVar(&cfg.TurboUploadURL, "turbo-upload-url", "", "Turbo upload service URL")
	flags.StringVar(&cfg.TurboPaymentURL, "turbo-payment-url", "", "Turbo payment service URL")
	flags.StringVar(&cfg.GatewayURL, "gateway-url", "", "Arweave gateway URL for listing uploaded transactions")
	flags.StringVar(&cfg.BucketEndpoint, "s3-endpoint", "", "S3-compatible endpoint host")
	flags.StringVar(&cfg.BucketAccessKey, "s3-access-key", "", "S3 access key")
	flags.StringVar(&cfg.BucketSecretKey, "s3-secret-key", "", "S3 secret key")
	flags.StringVar(&cfg.BucketName, "s3-bucket", "", "S3 bucket name")
	flags.StringVar(&cfg.BucketPrefix, "s3-prefix", "", "Object key prefix")
	flags.StringVar(&cfg.BucketRegion, "s3-region", "", "S3 region")
	flags.BoolVar(&cfg.BucketInsecure, "s3-insecure", false, "Use plain HTTP for the S3 endpoint")
	flags.StringVar(&cfg.UploadDir, "upload-dir", "./uploaded", "Target directory of the dir transport")
	flags.StringVar(&cfg.WalletBridgeURL, "wallet-bridge-url", "", "Wallet bridge URL")
	flags.StringVar(&cfg.WalletBridgeToken, "wallet-bridge-token", "", "Wallet bridge bearer token")
	flags.StringVar(&cfg.WalletAddress, "wallet-address", "", "Fixed wallet address when no bridge is configured")
	flags.DurationVar(&cfg.HandleIdle, "handle-idle", 30*time.Minute, "Release display handles idle this long")
	flags.DurationVar(&cfg.JanitorInterval, "janitor-interval", 10*time.Minute, "Interval of the handle and thumbnail sweep")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	explicit := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for _, b := range envBindings {
		if explicit[b.flag] {
			continue
		}
		v, ok := os.LookupEnv(b.env)
		if !ok || v == "" {
			continue
		}
		if err := flags.Set(b.flag, v); err != nil {
			return nil, fmt.Errorf("%s: %w", b.env, err)
		}
	}

	cfg.CORSOrigins = splitList(corsOrigins)
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = "http://" + cfg.Addr + "/api/drive/callback"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the transport and wallet settings for consistency.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportTurbo:
		if c.WalletBridgeURL == "" {
			return errors.New("turbo transport requires a wallet bridge to sign uploads")
		}
	case TransportBucket:
		if c.BucketEndpoint == "" || c.BucketName == "" {
			return errors.New("bucket transport requires s3-endpoint and s3-bucket")
		}
	case TransportDir:
		if c.UploadDir == "" {
			return errors.New("dir transport requires upload-dir")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.MaxDownloadMB <= 0 {
		return errors.New("max-download-mb must be positive")
	}
	if c.HandleIdle <= 0 || c.JanitorInterval <= 0 {
		return errors.New("handle-idle and janitor-interval must be positive")
	}
	return nil
}

// GoogleConfigured reports whether both OAuth client values are set.
func (c *Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
