package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	AuthToken   string

	AssemblyAIKey string

	CerebrasKey     string
	CerebrasModelID string

	TTSProvider       string // "deepgram" or "elevenlabs"
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SupabaseURL   string
	SupabaseKey   string
	SupabaseTable string

	Language         string
	Formality        string
	AutoSpeak        bool
	HistoryWindow    int
	MaxTokens        int
	InferenceTimeout time.Duration

	RecognizerRestartDelay time.Duration
	RecognizerRestartCap   int
}

// Load reads environment variables and returns Config with sane defaults.
// Missing provider keys are warnings, not errors: the affected surface is
// disabled gracefully at wiring time.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	cfg := Config{
		HTTPAddress:            getenvDefault("HTTP_ADDRESS", ":8080"),
		AuthToken:              os.Getenv("AUTH_TOKEN"),
		AssemblyAIKey:          os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:            os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:        getenvDefault("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		TTSProvider:            getenvDefault("TTS_PROVIDER", "deepgram"),
		DeepgramKey:            os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:          os.Getenv("DEEPGRAM_TTS_MODEL"),
		ElevenLabsKey:          os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseKey:            os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseTable:          getenvDefault("SUPABASE_TASKS_TABLE", "tasks"),
		Language:               getenvDefault("SESSION_LANGUAGE", "en"),
		Formality:              getenvDefault("SESSION_FORMALITY", "casual"),
		AutoSpeak:              getenvBool("SESSION_AUTO_SPEAK", true),
		HistoryWindow:          getenvInt("SESSION_HISTORY_WINDOW", 12),
		MaxTokens:              getenvInt("SESSION_MAX_TOKENS", 256),
		InferenceTimeout:       getenvDuration("INFERENCE_TIMEOUT", 20*time.Second),
		RecognizerRestartDelay: getenvDuration("RECOGNIZER_RESTART_DELAY", 2*time.Second),
		RecognizerRestartCap:   getenvInt("RECOGNIZER_RESTART_CAP", 0),
	}

	if cfg.AssemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice recognition will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - assistant replies will not work")
	}
	switch cfg.TTSProvider {
	case "deepgram":
		if cfg.DeepgramKey == "" {
			log.Println("Warning: DEEPGRAM_API_KEY not set - speech output will not work")
		}
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Println("Warning: ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - speech output will not work")
		}
	default:
		log.Printf("Warning: unknown TTS_PROVIDER %q - falling back to deepgram", cfg.TTSProvider)
		cfg.TTSProvider = "deepgram"
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		log.Println("Warning: SUPABASE_URL or SUPABASE_SERVICE_ROLE_KEY not set - tasks are kept in memory only")
	}
	if cfg.AuthToken == "" {
		log.Println("Warning: AUTH_TOKEN not set - API is open")
	}

	log.Printf("config: HTTP_ADDRESS=%s language=%s tts=%s", cfg.HTTPAddress, cfg.Language, cfg.TTSProvider)
	return cfg
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, def)
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}
