// Package config layers flags, environment variables, and an optional YAML
// file into the process configuration, on top of a godotenv bootstrap
// wrapped in a viper/cobra config surface.
package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// Config is the fully resolved process configuration: vendor selection, API
// keys, network listen address, and the orchestrator tuning knobs.
type Config struct {
	ListenAddr string

	STTProvider string
	LLMProvider string

	GroqAPIKey       string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	LokutorAPIKey    string
	MemoryStoreURL   string
	MemoryStoreKey   string

	Development bool

	Orchestrator orchestrator.Config
}

// BindFlags registers the serve subcommand's flags on fs. Call before
// viper.BindPFlags so cobra owns flag parsing and viper owns precedence.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", ":8080", "address the WebSocket server listens on")
	fs.String("stt-provider", "groq", "STT vendor: groq|openai|deepgram|assemblyai")
	fs.String("llm-provider", "groq", "LLM vendor: groq|openai|anthropic|google")
	fs.Bool("dev", false, "use human-readable development logging")
}

// Load reads a .env file if present, then layers env vars (SESSIONCORE_*
// prefix) and bound flags through viper, and returns the fully resolved
// Config.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	v := viper.New()
	v.SetEnvPrefix("sessioncore")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	// Vendor keys come from bare env vars (GROQ_API_KEY, etc.) to match the
	// teacher's cmd/agent/main.go naming exactly, not the sessioncore prefix.
	bareKeys := []string{
		"GROQ_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY",
		"DEEPGRAM_API_KEY", "ASSEMBLYAI_API_KEY", "LOKUTOR_API_KEY",
		"MEMORYSTORE_URL", "MEMORYSTORE_API_KEY",
	}
	for _, k := range bareKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	orchCfg := orchestrator.DefaultConfig()

	cfg := &Config{
		ListenAddr:       v.GetString("listen-addr"),
		STTProvider:      v.GetString("stt-provider"),
		LLMProvider:      v.GetString("llm-provider"),
		Development:      v.GetBool("dev"),
		GroqAPIKey:       v.GetString("GROQ_API_KEY"),
		OpenAIAPIKey:     v.GetString("OPENAI_API_KEY"),
		AnthropicAPIKey:  v.GetString("ANTHROPIC_API_KEY"),
		GoogleAPIKey:     v.GetString("GOOGLE_API_KEY"),
		DeepgramAPIKey:   v.GetString("DEEPGRAM_API_KEY"),
		AssemblyAIAPIKey: v.GetString("ASSEMBLYAI_API_KEY"),
		LokutorAPIKey:    v.GetString("LOKUTOR_API_KEY"),
		MemoryStoreURL:   v.GetString("MEMORYSTORE_URL"),
		MemoryStoreKey:   v.GetString("MEMORYSTORE_API_KEY"),
		Orchestrator:     orchCfg,
	}

	if cfg.LokutorAPIKey == "" {
		return nil, fmt.Errorf("LOKUTOR_API_KEY must be set")
	}

	return cfg, nil
}
