package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	IsolationShared = "shared"
	IsolationArena  = "arena"
)

type Config struct {
	// Model executable
	ModelExePath         string
	ModelInputDir        string
	ModelOutputDir       string
	ModelOutputFilename  string
	ModelOutputExtension string
	ModelPrompt          string
	DefaultExecutionTime string
	ModelTimeout         time.Duration
	Isolation            string
	ArenaDir             string
	MaxConcurrency       int
	PromptBufferLimit    int
	OutputCaptureLimit   int

	// HTTP
	Port           string
	UploadMaxBytes int64
	CORSOrigin     string

	// Persistence
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string
	RedisHost  string
	RedisPort  string

	// Artifacts
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	ArtifactDir       string

	// Cluster
	EtcdEndpoints     []string
	NodeTTL           int
	HeartbeatInterval time.Duration
	JanitorSchedule   string
	ArenaMaxAge       time.Duration

	// Gateway
	JWTSecret         string
	WorkerURL         string
	WorkerAPIKey      string
	MaxHistoryItems   int
	GatewayWorkerWait time.Duration

	// Observability
	LogLevel          string
	LogEncoding       string
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// LoadConfig builds the configuration from the environment. When
// FLOODWORKER_CONFIG names a YAML file, its keys (the same names as the
// environment variables) provide defaults that the environment overrides.
func LoadConfig() *Config {
	src := source{}
	if path := os.Getenv("FLOODWORKER_CONFIG"); path != "" {
		values, err := readFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		} else {
			src.file = values
		}
	}
	return load(src)
}

// LoadConfigFrom is LoadConfig with an explicit file, used by floodctl.
func LoadConfigFrom(path string) (*Config, error) {
	values, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return load(source{file: values}), nil
}

func load(src source) *Config {
	return &Config{
		ModelExePath:         src.getEnv("FLOOD_MODEL_EXE_PATH", ""),
		ModelInputDir:        absPath(src.getEnv("MODEL_INPUT_DIR", "./FloodModel/Inputs/")),
		ModelOutputDir:       absPath(src.getEnv("MODEL_OUTPUT_DIR", "./FloodModel/Output/")),
		ModelOutputFilename:  src.getEnv("MODEL_OUTPUT_PLT_FILENAME", ""),
		ModelOutputExtension: src.getEnv("MODEL_OUTPUT_EXTENSION", ".plt"),
		ModelPrompt:          src.getEnv("MODEL_TIME_PROMPT_STRING", ""),
		DefaultExecutionTime: src.getEnv("MODEL_DEFAULT_EXECUTION_TIME", "60"),
		ModelTimeout:         src.getEnvAsDuration("MODEL_TIMEOUT", 30*time.Minute),
		Isolation:            strings.ToLower(src.getEnv("MODEL_ISOLATION", IsolationShared)),
		ArenaDir:             absPath(src.getEnv("MODEL_ARENA_DIR", filepath.Join(os.TempDir(), "floodworker-arenas"))),
		MaxConcurrency:       src.getEnvAsInt("MODEL_MAX_CONCURRENCY", runtime.NumCPU()),
		PromptBufferLimit:    src.getEnvAsInt("PROMPT_BUFFER_LIMIT", 64<<10),
		OutputCaptureLimit:   src.getEnvAsInt("OUTPUT_CAPTURE_LIMIT", 1<<20),

		Port:           src.getEnv("PORT", "5001"),
		UploadMaxBytes: int64(src.getEnvAsInt("UPLOAD_MAX_BYTES", 5<<20)),
		CORSOrigin:     src.getEnv("CORS_ORIGIN", ""),

		DBDriver:   strings.ToLower(src.getEnv("DB_DRIVER", "none")),
		DBHost:     src.getEnv("DB_HOST", "localhost"),
		DBPort:     src.getEnv("DB_PORT", "5432"),
		DBUser:     src.getEnv("DB_USER", "floodworker"),
		DBPassword: src.getEnv("DB_PASSWORD", "password"),
		DBName:     src.getEnv("DB_NAME", "floodworker"),
		DBPath:     src.getEnv("DB_PATH", "floodworker.db"),
		RedisHost:  src.getEnv("REDIS_HOST", ""),
		RedisPort:  src.getEnv("REDIS_PORT", "6379"),

		S3Bucket:          src.getEnv("S3_BUCKET", ""),
		S3Prefix:          src.getEnv("S3_PREFIX", "artifacts/"),
		S3Region:          src.getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        src.getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     src.getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: src.getEnv("S3_SECRET_ACCESS_KEY", ""),
		ArtifactDir:       absPath(src.getEnv("ARTIFACT_DIR", "./artifacts")),

		EtcdEndpoints:     splitList(src.getEnv("ETCD_ENDPOINTS", "")),
		NodeTTL:           src.getEnvAsInt("NODE_TTL", 15),
		HeartbeatInterval: src.getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		JanitorSchedule:   src.getEnv("JANITOR_SCHEDULE", "@every 30s"),
		ArenaMaxAge:       src.getEnvAsDuration("ARENA_MAX_AGE", time.Hour),

		JWTSecret:         src.getEnv("JWT_SECRET", ""),
		WorkerURL:         strings.TrimSuffix(src.getEnv("MODEL_WORKER_URL", ""), "/"),
		WorkerAPIKey:      src.getEnv("MODEL_WORKER_API_KEY", ""),
		MaxHistoryItems:   src.getEnvAsInt("MAX_HISTORY_ITEMS", 3),
		GatewayWorkerWait: src.getEnvAsDuration("MODEL_WORKER_TIMEOUT", 35*time.Minute),

		LogLevel:          src.getEnv("LOG_LEVEL", "info"),
		LogEncoding:       src.getEnv("LOG_ENCODING", "json"),
		TracingEnabled:    src.getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint:   src.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		TracingSampleRate: src.getEnvAsFloat("TRACING_SAMPLE_RATE", 1.0),
	}
}

// Validate reports configuration problems that must stop a worker from
// starting. A missing prompt marker is not one of them, see Warnings.
func (c *Config) Validate() error {
	var errs []error

	if c.ModelExePath == "" {
		errs = append(errs, errors.New("FLOOD_MODEL_EXE_PATH is not set"))
	} else {
		c.ModelExePath = absPath(c.ModelExePath)
		info, err := os.Stat(c.ModelExePath)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("flood model executable not found at %s: %w", c.ModelExePath, err))
		case info.IsDir():
			errs = append(errs, fmt.Errorf("flood model executable path %s is a directory", c.ModelExePath))
		}
	}

	switch c.Isolation {
	case IsolationShared:
	case IsolationArena:
		exeDir := filepath.Dir(c.ModelExePath)
		if !within(exeDir, c.ModelInputDir) || !within(exeDir, c.ModelOutputDir) {
			errs = append(errs, fmt.Errorf("arena isolation requires %s and %s to be inside %s", c.ModelInputDir, c.ModelOutputDir, exeDir))
		}
		if c.MaxConcurrency < 1 {
			errs = append(errs, fmt.Errorf("MODEL_MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MODEL_ISOLATION %q (want %q or %q)", c.Isolation, IsolationShared, IsolationArena))
	}

	if c.ModelOutputExtension == "" {
		errs = append(errs, errors.New("MODEL_OUTPUT_EXTENSION must not be empty"))
	}
	if c.ModelTimeout < 0 {
		errs = append(errs, errors.New("MODEL_TIMEOUT must not be negative"))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that degrade behaviour without being fatal.
func (c *Config) Warnings() []string {
	var w []string
	if c.ModelPrompt == "" {
		w = append(w, "MODEL_TIME_PROMPT_STRING is not set; the execution time will never be sent to the model")
	}
	if c.ModelTimeout == 0 {
		w = append(w, "MODEL_TIMEOUT is 0; a hung model will block its job indefinitely")
	}
	return w
}

// PostgresDSN returns the connection string used by the postgres store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return values, nil
}

func (s source) getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := s.file[key]; exists {
		return value
	}
	return fallback
}

func (s source) getEnvAsInt(key string, fallback int) int {
	valueStr := s.getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func (s source) getEnvAsBool(key string, fallback bool) bool {
	valueStr := s.getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func (s source) getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := s.getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") and bare seconds ("90").
func (s source) getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := s.getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// within reports whether path is nested strictly below base.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
