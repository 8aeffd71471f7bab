package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Minio    MinioConfig    `yaml:"minio"`
	DocParse DocParseConfig `yaml:"docparse"`
	LLM      LLMConfig      `yaml:"llm"`
	Store    StoreConfig    `yaml:"store"`
	Billing  BillingConfig  `yaml:"billing"`
	ERP      ERPConfig      `yaml:"erp"`
	Auth     AuthConfig     `yaml:"auth"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port            int `yaml:"port"`
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	MaxUploadMB     int `yaml:"max_upload_mb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MinioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// DocParseConfig points at a MinerU-compatible document extraction API.
type DocParseConfig struct {
	APIURL              string `yaml:"api_url"`
	APIToken            string `yaml:"api_token"`
	ModelVersion        string `yaml:"model_version"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

// LLMConfig configures the optional OpenAI-compatible clause extractor.
type LLMConfig struct {
	Enabled        bool    `yaml:"enabled"`
	APIURL         string  `yaml:"api_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory, sqlite, redis
	MaxRecords    int    `yaml:"max_records"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type BillingConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	DefaultTaxRate      string  `yaml:"default_tax_rate"`
}

type ERPConfig struct {
	Connector      string `yaml:"connector"` // dry_run, webhook
	WebhookURL     string `yaml:"webhook_url"`
	WebhookToken   string `yaml:"webhook_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
	Role     string `yaml:"role"` // finance, cfo, admin
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.setDefaults()

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerMin == 0 {
		c.Server.RateLimitPerMin = 100
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 50
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.DocParse.ModelVersion == "" {
		c.DocParse.ModelVersion = "vlm"
	}
	if c.DocParse.PollIntervalSeconds == 0 {
		c.DocParse.PollIntervalSeconds = 3
	}
	if c.DocParse.TimeoutSeconds == 0 {
		c.DocParse.TimeoutSeconds = 300
	}
	if c.LLM.APIURL == "" {
		c.LLM.APIURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4-turbo-preview"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4000
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "contractbill.db"
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "contractbill"
	}
	if c.Billing.ConfidenceThreshold == 0 {
		c.Billing.ConfidenceThreshold = 0.80
	}
	if c.Billing.DefaultTaxRate == "" {
		c.Billing.DefaultTaxRate = "0"
	}
	if c.ERP.Connector == "" {
		c.ERP.Connector = "dry_run"
	}
	if c.ERP.TimeoutSeconds == 0 {
		c.ERP.TimeoutSeconds = 30
	}
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.LLM.APIKey, "OPENAI_API_KEY")
	setString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&c.DocParse.APIToken, "DOCPARSE_API_TOKEN")
	setString(&c.ERP.WebhookToken, "ERP_WEBHOOK_TOKEN")
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// LLMAvailable reports whether an LLM backend can be constructed.
func (c *Config) LLMAvailable() bool {
	return c.LLM.Enabled && c.LLM.APIKey != ""
}
