package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendSQS      = "sqs"
)

const envPrefix = "BOB"

// Config is built once per process and passed to every component.
type Config struct {
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	StoreBackend      string        `envconfig:"STORE_BACKEND"`
	QueueBackend      string        `envconfig:"QUEUE_BACKEND"`
	TableName         string        `envconfig:"TABLE_NAME"`
	QueueName         string        `envconfig:"QUEUE_NAME"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT"`
	AWSRegion         string        `envconfig:"AWS_REGION"`
	AWSEndpoint       string        `envconfig:"AWS_ENDPOINT"`

	WorkerID       string        `envconfig:"WORKER_ID"`
	BuildPath      string        `envconfig:"BUILD_PATH"`
	ReceiveWait    time.Duration `envconfig:"RECEIVE_WAIT"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL"`
	JoinInterval   time.Duration `envconfig:"JOIN_INTERVAL"`
	CancelGrace    time.Duration `envconfig:"CANCEL_GRACE"`
	CleanupTimeout time.Duration `envconfig:"CLEANUP_TIMEOUT"`
	ComposeCommand []string      `envconfig:"COMPOSE_COMMAND"`

	TailLines         int           `envconfig:"TAIL_LINES"`
	TailMaxBytes      int64         `envconfig:"TAIL_MAX_BYTES"`
	TailFirstInterval time.Duration `envconfig:"TAIL_FIRST_INTERVAL"`
	TailInterval      time.Duration `envconfig:"TAIL_INTERVAL"`

	GitHubURL   string `envconfig:"GITHUB_URL"`
	GitHubLogin string `envconfig:"GITHUB_LOGIN"`
	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	DockerHost       string `envconfig:"DOCKER_HOST"`
	RegistryServer   string `envconfig:"REGISTRY_SERVER"`
	RegistryUsername string `envconfig:"REGISTRY_USERNAME"`
	RegistryPassword string `envconfig:"REGISTRY_PASSWORD"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT"`
	SMTPFrom     string `envconfig:"SMTP_FROM"`
	SMTPLogin    string `envconfig:"SMTP_LOGIN"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPStartTLS bool   `envconfig:"SMTP_STARTTLS"`

	MetricsAddr      string        `envconfig:"METRICS_ADDR"`
	MetricsAuthToken string        `envconfig:"METRICS_AUTH_TOKEN"`
	MetricsInterval  time.Duration `envconfig:"METRICS_INTERVAL"`

	LogLevel string `envconfig:"LOG_LEVEL"`
	LogFile  string `envconfig:"LOG_FILE"`

	Schedules []Schedule `ignored:"true"`
}

// Schedule submits a build of Repo whenever Cron fires.
type Schedule struct {
	Name      string `yaml:"name" toml:"name"`
	Cron      string `yaml:"cron" toml:"cron"`
	Repo      string `yaml:"repo" toml:"repo"`
	Branch    string `yaml:"branch" toml:"branch"`
	Tag       string `yaml:"tag" toml:"tag"`
	BuildArgs string `yaml:"build_args" toml:"build_args"`
}

func DefaultConfig() *Config {
	return &Config{
		StoreBackend:      BackendPostgres,
		QueueBackend:      BackendPostgres,
		TableName:         "bob_tasks",
		QueueName:         "bob-tasks",
		VisibilityTimeout: 12 * time.Hour,
		WorkerID:          defaultWorkerID(),
		BuildPath:         "/tmp/bob/build",
		ReceiveWait:       1 * time.Second,
		PollInterval:      5 * time.Second,
		JoinInterval:      2 * time.Second,
		CancelGrace:       8 * time.Second,
		CleanupTimeout:    10 * time.Minute,
		ComposeCommand:    []string{"docker", "compose"},
		TailLines:         100,
		TailMaxBytes:      64 * 1024,
		TailFirstInterval: 5 * time.Second,
		TailInterval:      15 * time.Second,
		GitHubURL:         "https://api.github.com",
		SMTPPort:          25,
		MetricsAddr:       "",
		MetricsInterval:   15 * time.Second,
		LogLevel:          "info",
	}
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// ApplyEnv overlays BOB_* variables. Unprefixed names such as DATABASE_URL
// and AWS_REGION are read when the prefixed one is unset.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	return nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.StoreBackend, "store", c.StoreBackend, "Task store backend (postgres|dynamodb)")
	fs.StringVar(&c.QueueBackend, "queue-backend", c.QueueBackend, "Queue backend (postgres|sqs)")
	fs.StringVar(&c.TableName, "table", c.TableName, "Task store table name")
	fs.StringVar(&c.QueueName, "queue", c.QueueName, "Queue name")
	fs.StringVar(&c.AWSRegion, "aws-region", c.AWSRegion, "AWS region for dynamodb and sqs")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Worker identifier used in logs and events")
	fs.StringVar(&c.BuildPath, "build-path", c.BuildPath, "Base directory for build sources and logs")
	fs.DurationVar(&c.ReceiveWait, "receive-wait", c.ReceiveWait, "How long one queue receive waits for a message")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Back-off after a failed queue receive")
	fs.DurationVar(&c.JoinInterval, "join-interval", c.JoinInterval, "How often a running build is checked for cancellation")
	fs.DurationVar(&c.CancelGrace, "cancel-grace", c.CancelGrace, "Time a canceled build gets to exit before it is killed")
	fs.StringVar(&c.DockerHost, "docker-host", c.DockerHost, "Docker daemon address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "HTTP address for health, metrics and events (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Also write logs to this rotated file")
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendPostgres, BackendDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	switch c.QueueBackend {
	case BackendPostgres, BackendSQS:
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.QueueBackend))
	}
	if c.UsesPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
	}
	if c.TableName == "" || c.QueueName == "" {
		errs = append(errs, errors.New("table and queue names are required"))
	}
	if c.BuildPath == "" || !filepath.IsAbs(c.BuildPath) {
		errs = append(errs, fmt.Errorf("build path must be absolute, got %q", c.BuildPath))
	}
	for name, d := range map[string]time.Duration{
		"receive_wait":  c.ReceiveWait,
		"poll_interval": c.PollInterval,
		"join_interval": c.JoinInterval,
		"cancel_grace":  c.CancelGrace,
		"tail_interval": c.TailInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if len(c.ComposeCommand) == 0 {
		errs = append(errs, errors.New("compose command is required"))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid smtp port %d", c.SMTPPort))
	}
	if err := validateSchedules(c.Schedules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) UsesPostgres() bool {
	return c.StoreBackend == BackendPostgres || c.QueueBackend == BackendPostgres
}

func validateSchedules(schedules []Schedule) error {
	seen := map[string]struct{}{}
	for i, s := range schedules {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Repo == "" {
			return fmt.Errorf("schedule %s: repo is required", s.Name)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", s.Name, s.Cron, err)
		}
	}
	return nil
}
