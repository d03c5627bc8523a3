package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultHistoryLimit 是发给模型的历史消息条数上限。
	DefaultHistoryLimit = 10
	// DefaultQuotaCap 是每个窗口允许的请求数。
	DefaultQuotaCap = 5
	// DefaultQuotaWindow 是配额窗口长度。
	DefaultQuotaWindow = 24 * time.Hour
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Quota   QuotaConfig
	Storage StorageConfig
	Client  ClientConfig
}

// Load 从环境变量加载配置；若设置了 CONFIG_FILE，则以该 YAML/TOML 文件作为缺省值来源。
func Load() (*Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}
	return src.load()
}

// LoadFile 与 Load 相同，但显式指定配置文件路径。
func LoadFile(path string) (*Config, error) {
	src, err := newSource(path)
	if err != nil {
		return nil, err
	}
	return src.load()
}

func (s source) load() (*Config, error) {
	server, err := s.loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := s.loadAIConfig()
	if err != nil {
		return nil, err
	}

	quota, err := s.loadQuotaConfig()
	if err != nil {
		return nil, err
	}

	storage, err := s.loadStorageConfig()
	if err != nil {
		return nil, err
	}

	client, err := s.loadClientConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Quota: quota, Storage: storage, Client: client}, nil
}

// source 按 环境变量 > 配置文件 的顺序查找配置值。
type source struct {
	file map[string]string
}

// newSource 读取配置文件。文件是一个扁平映射，键名与环境变量一致，例如：
//
//	PORT: 8080
//	QUOTA_CAP: 10
//
// 扩展名为 .toml 的文件按 TOML 解析，其余按 YAML 解析。
func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	raw := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	file := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		file[key] = fmt.Sprint(value)
	}
	return source{file: file}, nil
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s source) get(key string) string {
	value, _ := s.lookup(key)
	return strings.TrimSpace(value)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 为空时允许任意来源。
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func (s source) loadServerConfig() (ServerConfig, error) {
	origins := splitList(s.get("CORS_ALLOWED_ORIGINS"))

	port := s.get("PORT")
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	HistoryLimit   int
	SystemPrompt   string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func (s source) loadAIConfig() (AIConfig, error) {
	// 默认生成参数：temperature 0.9，top-p 1，最多 2048 个 token。
	temperature, err := s.parseOptionalFloatEnv("ARK_TEMPERATURE", 0.9)
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := s.parseOptionalFloatEnv("ARK_TOP_P", 1)
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := s.parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	if maxTokens == nil {
		val := 2048
		maxTokens = &val
	}

	stream, err := s.parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := DefaultHistoryLimit
	if override, err := s.parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		historyLimit = max(*override, 1)
	}

	return AIConfig{
		APIKey:         s.get("ARK_API_KEY"),
		AccessKey:      s.get("ARK_ACCESS_KEY"),
		SecretKey:      s.get("ARK_SECRET_KEY"),
		Model:          s.get("Model"),
		BaseURL:        s.getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         s.getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
		SystemPrompt:   s.get("AI_SYSTEM_PROMPT"),
	}, nil
}

// QuotaConfig 描述请求配额。
type QuotaConfig struct {
	Cap    int
	Window time.Duration
}

func (s source) loadQuotaConfig() (QuotaConfig, error) {
	cfg := QuotaConfig{Cap: DefaultQuotaCap, Window: DefaultQuotaWindow}

	capOverride, err := s.parseOptionalIntEnv("QUOTA_CAP")
	if err != nil {
		return QuotaConfig{}, err
	}
	if capOverride != nil {
		if *capOverride < 0 {
			return QuotaConfig{}, fmt.Errorf("invalid QUOTA_CAP value %d: must not be negative", *capOverride)
		}
		cfg.Cap = *capOverride
	}

	window, err := s.parseDurationEnv("QUOTA_WINDOW", DefaultQuotaWindow)
	if err != nil {
		return QuotaConfig{}, err
	}
	if window <= 0 {
		return QuotaConfig{}, fmt.Errorf("invalid QUOTA_WINDOW value %s: must be positive", window)
	}
	cfg.Window = window
	return cfg, nil
}

// 存储后端。
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// StorageConfig 描述会话历史与配额记录的存储位置。
type StorageConfig struct {
	Backend    string
	SQLitePath string
}

func (s source) loadStorageConfig() (StorageConfig, error) {
	backend := strings.ToLower(s.getEnvOrDefault("STORAGE_BACKEND", StorageMemory))
	switch backend {
	case StorageMemory, StorageSQLite:
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_BACKEND value %q: want %s or %s", backend, StorageMemory, StorageSQLite)
	}

	return StorageConfig{
		Backend:    backend,
		SQLitePath: s.getEnvOrDefault("SQLITE_PATH", "assistant.db"),
	}, nil
}

// ClientConfig 描述命令行客户端连接服务端的方式。
type ClientConfig struct {
	BaseURL string
	Token   string
	Stream  bool
	Timeout time.Duration
	// StatePath 保存本地配额记录；为空时仅保存在内存中。
	StatePath string
}

func (s source) loadClientConfig() (ClientConfig, error) {
	stream, err := s.parseBoolEnv("CHAT_STREAM", true)
	if err != nil {
		return ClientConfig{}, err
	}

	timeout, err := s.parseDurationEnv("CHAT_TIMEOUT", 2*time.Minute)
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		BaseURL:   strings.TrimRight(s.getEnvOrDefault("CHAT_BASE_URL", "http://localhost:8080"), "/"),
		Token:     s.get("CHAT_TOKEN"),
		Stream:    stream,
		Timeout:   timeout,
		StatePath: s.get("CHAT_STATE_PATH"),
	}, nil
}

func (s source) getEnvOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseOptionalFloatEnv 在未设置时返回 defaultValue。
func (s source) parseOptionalFloatEnv(key string, defaultValue float64) (*float64, error) {
	value := s.get(key)
	if value == "" {
		return &defaultValue, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func (s source) parseOptionalIntEnv(key string) (*int, error) {
	value := s.get(key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 Go 时长格式（如 "24h"），纯数字按秒处理。
func (s source) parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := s.get(key)
	if value == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return val, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
