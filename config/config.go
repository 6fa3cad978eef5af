package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	TURN      TURNConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Agent     AgentConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. The secret is shared with the
// portal that issues the tokens.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs handed to peers.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env
	// NegotiationTimeoutSec bounds a single offer/answer exchange.
	NegotiationTimeoutSec int
}

// TURNConfig gates the embedded TURN relay.
type TURNConfig struct {
	Enabled  bool
	PublicIP string
	Port     int
	Realm    string
	Username string
	Password string
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// RecordingConfig holds local recording settings.
type RecordingConfig struct {
	OutputDir      string // directory for recording files; empty = os.TempDir()
	MaxDurationSec int
}

// AgentConfig configures the headless participant agent (cmd/agent): which
// session to join and where its media sources publish RTP.
type AgentConfig struct {
	ServerURL      string // ws endpoint, e.g. ws://localhost:8080/ws
	SessionID      string
	Token          string
	Name           string
	CameraAddr     string // loopback UDP addr the camera feed publishes to
	MicrophoneAddr string
	ScreenAddr     string
}

// DSN returns the PostgreSQL connection string. If DatabaseConfig.URL is set
// it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/liveclass?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "liveclass"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls:               splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			NegotiationTimeoutSec: getEnvInt("WEBRTC_NEGOTIATION_TIMEOUT_SEC", 15),
		},
		TURN: TURNConfig{
			Enabled:  getEnv("TURN_ENABLED", "false") == "true",
			PublicIP: getEnv("TURN_PUBLIC_IP", ""),
			Port:     getEnvInt("TURN_PORT", 3478),
			Realm:    getEnv("TURN_REALM", "live-backend"),
			Username: getEnv("TURN_USERNAME", "liveclass"),
			Password: getEnv("TURN_PASSWORD", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "liveclass-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir:      getEnv("RECORDING_OUTPUT_DIR", ""),
			MaxDurationSec: getEnvInt("RECORDING_MAX_DURATION_SEC", 7200),
		},
		Agent: AgentConfig{
			ServerURL:      getEnv("AGENT_SERVER_URL", "ws://localhost:8080/ws"),
			SessionID:      getEnv("AGENT_SESSION_ID", ""),
			Token:          getEnv("AGENT_TOKEN", ""),
			Name:           getEnv("AGENT_NAME", "Class Recorder"),
			CameraAddr:     getEnv("AGENT_CAMERA_ADDR", "127.0.0.1:5004"),
			MicrophoneAddr: getEnv("AGENT_MICROPHONE_ADDR", "127.0.0.1:5006"),
			ScreenAddr:     getEnv("AGENT_SCREEN_ADDR", "127.0.0.1:5008"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
