package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration parameters, loaded from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Grading provider. The key is required up front: a missing credential is
	// a configuration error at startup, not a failure on the first quote.
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY" required:"true"`
	GradingModel string `envconfig:"GRADING_MODEL" default:"gpt-5-mini"`

	// Resolver providers.
	ArxivBaseURL           string `envconfig:"ARXIV_BASE_URL" default:"https://export.arxiv.org/api"`
	UnpaywallBaseURL       string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail         string `envconfig:"UNPAYWALL_EMAIL" required:"true"`
	SemanticScholarBaseURL string `envconfig:"SEMANTIC_SCHOLAR_BASE_URL" default:"https://api.semanticscholar.org/graph/v1"`
	SemanticScholarAPIKey  string `envconfig:"SEMANTIC_SCHOLAR_API_KEY"`

	// Object storage for uploaded and resolved PDFs.
	S3Key    string `envconfig:"S3_KEY" required:"true"`
	S3Secret string `envconfig:"S3_SECRET" required:"true"`
	S3URL    string `envconfig:"S3_URL" required:"true"`
	S3Region string `envconfig:"S3_REGION" required:"true"`
	S3Bucket string `envconfig:"S3_BUCKET" required:"true"`

	// Pipeline tuning.
	ResolveWorkers  int    `envconfig:"RESOLVE_WORKERS" default:"5"`
	ValidateWorkers int    `envconfig:"VALIDATE_WORKERS" default:"3"`
	MaxSourceChars  int    `envconfig:"MAX_SOURCE_CHARS" default:"50000"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	CronSchedule    string `envconfig:"CRON_SCHEDULE" default:"*/5 * * * *"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
