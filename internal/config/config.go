package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the media bridge configuration. The buffer depths, timeouts
// and sample rates are deployment parameters, not invariants; defaults match
// the values used in staging.
type Config struct {
	HTTPPort int
	BindAddr string

	// CallbackHost is the externally reachable base URL (scheme://host[:port])
	// that the telephony provider uses for callbacks and the media WebSocket.
	CallbackHost string

	// ACSConnectionString is the provider connection string
	// ("endpoint=https://...;accesskey=...").
	ACSConnectionString string

	// Realtime AI backend.
	AIEndpoint   string
	AIDeployment string
	AIAPIVersion string
	AIAPIKey     string
	AIVoice      string

	// AIInstructions is the assistant's system prompt; AIGreeting seeds
	// the conversation so the assistant speaks first on connect.
	AIInstructions string
	AIGreeting     string

	// Telephony leg audio format.
	TelephonyEncoding   string // "pcm16", "ulaw" or "alaw"
	TelephonySampleRate int

	// Assistant leg audio format (PCM16 per the realtime protocol).
	AssistantSampleRate int

	// FrameDuration is the output chunk duration per converted frame.
	FrameDuration time.Duration

	HandshakeTimeout time.Duration
	QueueDepth       int
	DrainGrace       time.Duration

	LogLevel string
}

// Load loads configuration from an optional .env file, command line flags
// and environment variables. Environment variables win over flags.
func Load() *Config {
	// Missing .env is fine; deployments set real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}

	flag.IntVar(&cfg.HTTPPort, "port", 8080, "HTTP server port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	flag.StringVar(&cfg.CallbackHost, "callback-host", "", "External base URL for provider callbacks")
	flag.StringVar(&cfg.AIEndpoint, "ai-endpoint", "", "Realtime AI backend endpoint")
	flag.StringVar(&cfg.AIDeployment, "ai-deployment", "gpt-4o-realtime-preview", "Realtime AI deployment name")
	flag.StringVar(&cfg.AIAPIVersion, "ai-api-version", "2024-10-01-preview", "Realtime AI API version")
	flag.StringVar(&cfg.AIVoice, "ai-voice", "alloy", "Realtime AI voice")
	flag.StringVar(&cfg.AIInstructions, "ai-instructions",
		"You are a helpful voice assistant on a phone call. Keep your answers short and conversational.",
		"Realtime AI system instructions")
	flag.StringVar(&cfg.AIGreeting, "ai-greeting",
		"Greet the caller and ask how you can help.",
		"Opening prompt spoken when the session starts (empty disables the greeting)")
	flag.StringVar(&cfg.TelephonyEncoding, "telephony-encoding", "pcm16", "Telephony audio encoding (pcm16, ulaw, alaw)")
	flag.IntVar(&cfg.TelephonySampleRate, "telephony-rate", 16000, "Telephony sample rate in Hz")
	flag.IntVar(&cfg.AssistantSampleRate, "assistant-rate", 24000, "Assistant sample rate in Hz")
	flag.DurationVar(&cfg.FrameDuration, "frame-duration", 20*time.Millisecond, "Converted frame duration")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 5*time.Second, "AI backend handshake timeout")
	flag.IntVar(&cfg.QueueDepth, "queue-depth", 50, "Per-direction pump queue depth in frames")
	flag.DurationVar(&cfg.DrainGrace, "drain-grace", 2*time.Second, "Grace period to flush accepted frames on teardown")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")

	flag.Parse()
	applyEnv(cfg)

	return cfg
}

// applyEnv overlays environment variables onto cfg. Split from Load so
// the overrides are testable without re-parsing the flag set.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTPPort, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("CALLBACK_URI_HOST"); v != "" {
		cfg.CallbackHost = v
	}
	if v := os.Getenv("ACS_CONNECTION_STRING"); v != "" {
		cfg.ACSConnectionString = v
	}
	if v := os.Getenv("AI_ENDPOINT"); v != "" {
		cfg.AIEndpoint = v
	}
	if v := os.Getenv("AI_DEPLOYMENT"); v != "" {
		cfg.AIDeployment = v
	}
	if v := os.Getenv("AI_API_VERSION"); v != "" {
		cfg.AIAPIVersion = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("AI_VOICE"); v != "" {
		cfg.AIVoice = v
	}
	if v := os.Getenv("AI_INSTRUCTIONS"); v != "" {
		cfg.AIInstructions = v
	}
	if v := os.Getenv("AI_GREETING"); v != "" {
		cfg.AIGreeting = v
	}
	if v := os.Getenv("TELEPHONY_ENCODING"); v != "" {
		cfg.TelephonyEncoding = v
	}
	if v := os.Getenv("TELEPHONY_RATE"); v != "" {
		cfg.TelephonySampleRate, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("ASSISTANT_RATE"); v != "" {
		cfg.AssistantSampleRate, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("FRAME_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FrameDuration = d
		}
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("QUEUE_DEPTH"); v != "" {
		cfg.QueueDepth, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("DRAIN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DrainGrace = d
		}
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.ACSConnectionString == "" {
		return fmt.Errorf("ACS_CONNECTION_STRING is required")
	}
	if c.AIEndpoint == "" {
		return fmt.Errorf("AI_ENDPOINT is required")
	}
	if c.AIAPIKey == "" {
		return fmt.Errorf("AI_API_KEY is required")
	}
	if c.CallbackHost == "" {
		return fmt.Errorf("CALLBACK_URI_HOST is required")
	}
	switch c.TelephonyEncoding {
	case "pcm16", "ulaw", "alaw":
	default:
		return fmt.Errorf("unsupported telephony encoding: %s", c.TelephonyEncoding)
	}
	// The provider only streams media at these rates; anything else would
	// be answered at a rate the codec does not transcode from.
	switch c.TelephonySampleRate {
	case 16000, 24000:
	default:
		return fmt.Errorf("unsupported telephony sample rate: %d", c.TelephonySampleRate)
	}
	return nil
}
