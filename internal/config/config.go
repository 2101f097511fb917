package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds"`
	HTTP          struct {
		Listen         string   `json:"listen"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"http"`
	LLM struct {
		Provider         string  `json:"provider"`
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		TitleModel       string  `json:"title_model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Brave struct {
		APIKey string `json:"api_key"`
	} `json:"brave"`
	Telegram struct {
		Token string `json:"token"`
		// TripID enables the chat bridge into that trip.
		TripID string `json:"trip_id"`
	} `json:"telegram"`
	SMTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		From     string `json:"from"`
	} `json:"smtp"`
	Session struct {
		TitleDebounceSeconds int `json:"title_debounce_seconds"`
		ItineraryTokenBudget int `json:"itinerary_token_budget"`
		LaneBuffer           int `json:"lane_buffer"`
	} `json:"session"`
	Scheduler struct {
		Enabled         bool     `json:"enabled"`
		IntervalSeconds int      `json:"interval_seconds"`
		LeaseTTLSeconds int      `json:"lease_ttl_seconds"`
		MaxRetries      int      `json:"max_retries"`
		RepeatTypes     []string `json:"repeat_types"`
		// Notify is the default delivery address for reminders.
		Notify string `json:"notify"`
	} `json:"scheduler"`
}

// DefaultPath returns ~/.tripclaw/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".tripclaw", "config.json")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir: filepath.Join(os.Getenv("HOME"), ".tripclaw"),
	}
	cfg.LogLevel = "info"
	cfg.MaxToolRounds = 10
	cfg.HTTP.Listen = "127.0.0.1:8420"
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.SMTP.Port = 587
	cfg.Session.TitleDebounceSeconds = 15
	cfg.Session.ItineraryTokenBudget = 6000
	cfg.Session.LaneBuffer = 100
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.IntervalSeconds = 60
	cfg.Scheduler.LeaseTTLSeconds = 120
	cfg.Scheduler.MaxRetries = 3
	cfg.Scheduler.RepeatTypes = []string{"email", "telegram", "reminder"}
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if braveKey := os.Getenv("BRAVE_API_KEY"); braveKey != "" {
		cfg.Brave.APIKey = braveKey
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if smtpPassword := os.Getenv("SMTP_PASSWORD"); smtpPassword != "" {
		cfg.SMTP.Password = smtpPassword
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory when needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every config value keyed by dot-separated path,
// optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored under key in the config file at path.
// The file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the existing config file at path.
// Values that parse as JSON (numbers, booleans, arrays) are stored typed,
// anything else as a string.
func SetValue(path, key, value string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}
	flat[key] = typed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}

// TitleDebounce is the quiet period before a conversation is titled.
func (c *Config) TitleDebounce() time.Duration {
	return time.Duration(c.Session.TitleDebounceSeconds) * time.Second
}

// SchedulerInterval is the time between scheduler ticks.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// LeaseTTL is how long a scheduler lease stays valid without renewal.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Scheduler.LeaseTTLSeconds) * time.Second
}
