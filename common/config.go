package common

import (
	"os"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions indicates if the instance should
	// establish consumers against the configured NATS streams
	ConsumeNATSStreamingSubscriptions bool

	// DefaultCommitmentHash is the hash algorithm applied to code commitments
	// when a token does not name one explicitly
	DefaultCommitmentHash string

	// ListenAddr is the interface and port the API server binds
	ListenAddr string
)

func init() {
	godotenv.Load()

	requireLogger()

	ConsumeNATSStreamingSubscriptions = os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS") == "true"

	DefaultCommitmentHash = os.Getenv("DEFAULT_COMMITMENT_HASH")
	if DefaultCommitmentHash == "" {
		DefaultCommitmentHash = "sha256"
	}

	ListenAddr = os.Getenv("LISTEN_ADDR")
	if ListenAddr == "" {
		listenPort := os.Getenv("PORT")
		if listenPort == "" {
			listenPort = "8080"
		}
		ListenAddr = ":" + listenPort
	}
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("custody", lvl, endpoint)
}
