package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator record.
	PublisherDID string

	// FeedName is the rkey of the feed generator record.
	FeedName string

	// Whitelist is the set of DIDs this generator builds personalized feeds for.
	Whitelist []string

	// DBPath is the sqlite database file path.
	DBPath string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// ReconnectDelay is how long to wait before re-dialing a dropped firehose
	// connection.
	ReconnectDelay time.Duration

	// AppViewURL is the public AppView API base URL used for graph and post
	// hydration calls.
	AppViewURL string

	// QdrantAddr is the host:port of the vector index gRPC endpoint.
	QdrantAddr string

	// EmbedderCmd invokes the text+image embedder CLI.
	EmbedderCmd string

	// ModelPath is passed to the embedder via --model-path.
	ModelPath string

	// ClustererCmd invokes the interest-clustering CLI.
	ClustererCmd string

	// KeywordCmd invokes the keyword extractor CLI.
	KeywordCmd string

	// RestrictedKeywords are excluded from explicit-feedback keyword
	// adjustments.
	RestrictedKeywords []string

	// EmbedIngester runs the firehose ingester inside the server process.
	EmbedIngester bool

	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// FeedURI returns the AT-URI of the published feed generator record.
func (c *Config) FeedURI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", c.PublisherDID, c.FeedName)
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := 3000
	if p := os.Getenv("FEEDGEN_PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_PORT: %w", err)
		}
	}

	publisherDID := os.Getenv("FEEDGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	whitelist := splitList(os.Getenv("FEEDGEN_WHITELIST"))
	if len(whitelist) == 0 {
		return nil, fmt.Errorf("FEEDGEN_WHITELIST is required")
	}

	reconnectDelay := 5 * time.Second
	if d := os.Getenv("FEEDGEN_RECONNECT_DELAY"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDGEN_RECONNECT_DELAY: %w", err)
		}
		reconnectDelay = parsed
	}

	return &Config{
		Hostname:           envOr("FEEDGEN_HOSTNAME", "localhost"),
		Port:               port,
		PublisherDID:       publisherDID,
		FeedName:           envOr("FEEDGEN_FEED_NAME", "for-you"),
		Whitelist:          whitelist,
		DBPath:             envOr("FEEDGEN_DB_PATH", "feedgen.db"),
		FirehoseURL:        envOr("FEEDGEN_FIREHOSE_URL", "wss://jetstream1.us-east.bsky.network/subscribe"),
		ReconnectDelay:     reconnectDelay,
		AppViewURL:         envOr("FEEDGEN_APPVIEW_URL", "https://public.api.bsky.app"),
		QdrantAddr:         envOr("FEEDGEN_QDRANT_ADDR", "localhost:6334"),
		EmbedderCmd:        envOr("FEEDGEN_EMBEDDER_CMD", "embed"),
		ModelPath:          os.Getenv("FEEDGEN_MODEL_PATH"),
		ClustererCmd:       envOr("FEEDGEN_CLUSTERER_CMD", "cluster"),
		KeywordCmd:         envOr("FEEDGEN_KEYWORD_CMD", "extract"),
		RestrictedKeywords: splitList(os.Getenv("FEEDGEN_RESTRICTED_KEYWORDS")),
		EmbedIngester:      os.Getenv("FEEDGEN_EMBED_INGESTER") == "true",
		LogLevel:           envOr("FEEDGEN_LOG_LEVEL", "info"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
