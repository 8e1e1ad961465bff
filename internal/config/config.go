package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    Server
	Database  Database
	EventLog  EventLog
	Copilot   Copilot
	LLM       LLM
	Messaging Messaging
	Vapi      Vapi
	Assistant Assistant
	Catalog   Catalog
	Kafka     Kafka
	Metrics   Metrics
}

type Server struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	ShutdownWait time.Duration
}

type Database struct {
	URL     string
	Migrate bool
}

type EventLog struct {
	BufferSize    int
	FlushInterval time.Duration
}

type Copilot struct {
	Enabled              bool
	AnalysisInterval     time.Duration
	MinTranscriptChars   int
	FrustrationThreshold float64
	AnalysisTimeout      time.Duration
}

type LLM struct {
	GatewayURL string
	APIKey     string
	Model      string
	UseMock    bool
	Timeout    time.Duration
}

type Messaging struct {
	APIURL          string
	APIToken        string
	EscalationPhone string
	Timeout         time.Duration
}

type Vapi struct {
	APIKey             string
	BaseURL            string
	DefaultAssistantID string
	PhoneNumberID      string
	PhoneNumberIDUS    string
}

type Assistant struct {
	Name     string
	Brand    string
	StoreURL string

	// COAViewerURL prefixes a certificate's public token.
	COAViewerURL string
}

type Catalog struct {
	Path string
}

type Kafka struct {
	Enabled      bool
	Brokers      []string
	TopicCopilot string
}

type Metrics struct {
	Namespace string
}

// Load reads the process environment. Unparseable numbers and durations fall
// back to their defaults.
func Load() *Config {
	return &Config{
		Server: Server{
			Port:         envOr("PORT", "8080"),
			ReadTimeout:  envDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: envDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  envDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownWait: envDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: Database{
			URL:     os.Getenv("DATABASE_URL"),
			Migrate: envBool("DATABASE_MIGRATE", true),
		},
		EventLog: EventLog{
			BufferSize:    envInt("EVENT_BUFFER_SIZE", 10),
			FlushInterval: envDuration("EVENT_FLUSH_INTERVAL", 5*time.Second),
		},
		Copilot: Copilot{
			Enabled:              envBool("COPILOT_ENABLED", true),
			AnalysisInterval:     envDuration("COPILOT_ANALYSIS_INTERVAL", 5*time.Second),
			MinTranscriptChars:   envInt("COPILOT_MIN_TRANSCRIPT_CHARS", 50),
			FrustrationThreshold: envFloat("COPILOT_FRUSTRATION_THRESHOLD", -0.5),
			AnalysisTimeout:      envDuration("COPILOT_ANALYSIS_TIMEOUT", 30*time.Second),
		},
		LLM: LLM{
			GatewayURL: os.Getenv("LLM_GATEWAY_URL"),
			APIKey:     os.Getenv("LLM_API_KEY"),
			Model:      envOr("LLM_MODEL", "gpt-4o-mini"),
			UseMock:    envBool("USE_MOCK_LLM", false),
			Timeout:    envDuration("LLM_TIMEOUT", 25*time.Second),
		},
		Messaging: Messaging{
			APIURL:          os.Getenv("WHATSAPP_API_URL"),
			APIToken:        os.Getenv("WHATSAPP_API_TOKEN"),
			EscalationPhone: os.Getenv("ESCALATION_PHONE"),
			Timeout:         envDuration("WHATSAPP_TIMEOUT", 10*time.Second),
		},
		Vapi: Vapi{
			APIKey:             os.Getenv("VAPI_API_KEY"),
			BaseURL:            envOr("VAPI_BASE_URL", "https://api.vapi.ai"),
			DefaultAssistantID: os.Getenv("VAPI_DEFAULT_ASSISTANT_ID"),
			PhoneNumberID:      os.Getenv("VAPI_PHONE_NUMBER_ID"),
			PhoneNumberIDUS:    os.Getenv("VAPI_PHONE_NUMBER_ID_US"),
		},
		Assistant: Assistant{
			Name:     envOr("ASSISTANT_NAME", "Ara"),
			Brand:    envOr("BRAND_NAME", "Extractos EUM"),
			StoreURL: envOr("STORE_URL", "https://extractoseum.com"),

			COAViewerURL: envOr("COA_VIEWER_URL", "https://coa.extractoseum.com/coa"),
		},
		Catalog: Catalog{
			Path: envOr("CATALOG_PATH", "catalog.xlsx"),
		},
		Kafka: Kafka{
			Enabled:      envBool("KAFKA_ENABLED", false),
			Brokers:      envList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicCopilot: envOr("KAFKA_TOPIC_COPILOT", "voice.copilot.reports"),
		},
		Metrics: Metrics{
			Namespace: envOr("METRICS_NAMESPACE", "voice_copilot"),
		},
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	n, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	return n
}

func envFloat(k string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(k string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return b
}

// envDuration accepts Go durations ("5s") or a bare number of milliseconds.
func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envList(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
