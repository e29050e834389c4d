package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client settings. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	DetectorURL string

	CameraDevice      string
	CameraInputFormat string
	CameraWidth       int
	CameraHeight      int
	CameraFPS         int

	CaptureInterval time.Duration
	JPEGQuality     int
	BufferSize      int

	OverlayWidth  int
	OverlayHeight int

	GPSDevice    string
	GPSBaudRate  int
	GPSLatitude  *float64
	GPSLongitude *float64
	GPSAccuracy  float64

	ReportDir         string
	ReportAutoConfirm bool // answer the report prompt without asking
	SeverityFromAny   bool

	HTTPAddr string
	LogLevel string

	AuthEnabled  bool
	AuthUsername string
	AuthPassword string // plaintext or bcrypt hash
	JWTSecret    string
	JWTExpiry    time.Duration

	TelegramEnabled  bool
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads the configuration. envFile may be empty; a missing .env file is
// not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{
		DetectorURL:       strings.TrimRight(getEnv("DETECTOR_URL", "http://localhost:5000"), "/"),
		CameraDevice:      getEnv("CAMERA_DEVICE", "/dev/video0"),
		CameraInputFormat: getEnv("CAMERA_INPUT_FORMAT", ""),
		CameraWidth:       getEnvAsInt("CAMERA_WIDTH", 1280),
		CameraHeight:      getEnvAsInt("CAMERA_HEIGHT", 720),
		CameraFPS:         getEnvAsInt("CAMERA_FPS", 15),
		CaptureInterval:   getEnvAsDuration("CAPTURE_INTERVAL", 200*time.Millisecond),
		JPEGQuality:       getEnvAsInt("JPEG_QUALITY", 80),
		BufferSize:        getEnvAsInt("BUFFER_SIZE", 50),
		OverlayWidth:      getEnvAsInt("OVERLAY_WIDTH", 640),
		OverlayHeight:     getEnvAsInt("OVERLAY_HEIGHT", 360),
		GPSDevice:         getEnv("GPS_DEVICE", ""),
		GPSBaudRate:       getEnvAsInt("GPS_BAUD_RATE", 9600),
		GPSLatitude:       getEnvAsFloatPtr("GPS_LATITUDE"),
		GPSLongitude:      getEnvAsFloatPtr("GPS_LONGITUDE"),
		GPSAccuracy:       getEnvAsFloat("GPS_ACCURACY", 0),
		ReportDir:         getEnv("REPORT_DIR", "reports"),
		ReportAutoConfirm: getEnvAsBool("REPORT_AUTO_CONFIRM", false),
		SeverityFromAny:   getEnvAsBool("SEVERITY_FROM_ANY", false),
		HTTPAddr:          getEnv("HTTP_ADDR", "localhost:8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AuthEnabled:       getEnvAsBool("AUTH_ENABLED", false),
		AuthUsername:      getEnv("AUTH_USERNAME", "admin"),
		AuthPassword:      os.Getenv("AUTH_PASSWORD"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTExpiry:         getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
		TelegramEnabled:   getEnvAsBool("TELEGRAM_ENABLED", false),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges the rest of the client relies on.
func (c *Config) Validate() error {
	if c.DetectorURL == "" {
		return fmt.Errorf("DETECTOR_URL must not be empty")
	}
	if c.CaptureInterval <= 0 {
		return fmt.Errorf("CAPTURE_INTERVAL must be positive, got %s", c.CaptureInterval)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within 1..100, got %d", c.JPEGQuality)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("BUFFER_SIZE must be positive, got %d", c.BufferSize)
	}
	if c.OverlayWidth <= 0 || c.OverlayHeight <= 0 {
		return fmt.Errorf("overlay dimensions must be positive, got %dx%d", c.OverlayWidth, c.OverlayHeight)
	}
	if c.AuthEnabled && c.AuthPassword == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when AUTH_ENABLED is set")
	}
	if (c.GPSLatitude == nil) != (c.GPSLongitude == nil) {
		return fmt.Errorf("GPS_LATITUDE and GPS_LONGITUDE must be set together")
	}
	return nil
}

// HasFixedLocation reports whether a static position was configured.
func (c *Config) HasFixedLocation() bool {
	return c.GPSLatitude != nil && c.GPSLongitude != nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsFloatPtr(key string) *float64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &f
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
