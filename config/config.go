package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all process configuration loaded from environment variables.
// Comparison rules and site definitions live in their own YAML files.
type Config struct {
	DBDriver         string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	RulesPath     string
	SitesPath     string
	ReferenceSite string

	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int
	HTTPTimeoutSec int

	CSVOutputPath string
	ReportDir     string
	RetentionDays int
	APIPort       string
	ChromeBin     string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		DBDriver:         getEnv("DB_DRIVER", "sqlite"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/grocery_prices.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "scraper"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "scraper123"),
		PostgresDB:       getEnv("POSTGRES_DB", "grocery_prices"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RulesPath:     getEnv("RULES_PATH", "./configs/compare_rules.yml"),
		SitesPath:     getEnv("SITES_PATH", "./configs/sites.yml"),
		ReferenceSite: getEnv("REFERENCE_SITE", ""),

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 1000),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		HTTPTimeoutSec: getEnvInt("HTTP_TIMEOUT_SEC", 15),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "./output/raw_listings.csv"),
		ReportDir:     getEnv("REPORT_DIR", "./data/reports"),
		RetentionDays: getEnvInt("RETENTION_DAYS", 90),
		APIPort:       getEnv("API_PORT", "8080"),
		ChromeBin:     getEnv("CHROME_BIN", ""),
	}
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "sqlite" {
		return c.SQLitePath
	}
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}
