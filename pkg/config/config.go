package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DataDir     string
	DatabaseURL string
	RedisURL    string
	PolicyPack  string
	Profile     string
	ProfilesDir string
	JWTSecret   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profile := os.Getenv("KEEL_PROFILE")
	if profile == "" {
		profile = "dev"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DataDir:     dataDir,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		PolicyPack:  os.Getenv("POLICY_PACK"),
		Profile:     profile,
		ProfilesDir: profilesDir,
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
}
