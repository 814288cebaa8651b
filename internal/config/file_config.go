package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const configEnv = "BOB_CONFIG"

var defaultConfigFilenames = []string{
	"bob.yaml",
	"bob.yml",
	"bob.toml",
	".bob.yaml",
	".bob.yml",
	".bob.toml",
}

type FileConfig struct {
	DSN       string            `yaml:"dsn" toml:"dsn"`
	Store     StoreFileConfig   `yaml:"store" toml:"store"`
	Queue     QueueFileConfig   `yaml:"queue" toml:"queue"`
	AWS       AWSFileConfig     `yaml:"aws" toml:"aws"`
	Worker    WorkerFileConfig  `yaml:"worker" toml:"worker"`
	Tail      TailFileConfig    `yaml:"tail" toml:"tail"`
	GitHub    GitHubFileConfig  `yaml:"github" toml:"github"`
	Docker    DockerFileConfig  `yaml:"docker" toml:"docker"`
	SMTP      SMTPFileConfig    `yaml:"smtp" toml:"smtp"`
	Metrics   MetricsFileConfig `yaml:"metrics" toml:"metrics"`
	Log       LogFileConfig     `yaml:"log" toml:"log"`
	Schedules []Schedule        `yaml:"schedules" toml:"schedules"`
}

type StoreFileConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Table   string `yaml:"table" toml:"table"`
}

type QueueFileConfig struct {
	Backend           string `yaml:"backend" toml:"backend"`
	Name              string `yaml:"name" toml:"name"`
	VisibilityTimeout string `yaml:"visibility_timeout" toml:"visibility_timeout"`
}

type AWSFileConfig struct {
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

type WorkerFileConfig struct {
	WorkerID       string   `yaml:"worker_id" toml:"worker_id"`
	BuildPath      string   `yaml:"build_path" toml:"build_path"`
	ReceiveWait    string   `yaml:"receive_wait" toml:"receive_wait"`
	PollInterval   string   `yaml:"poll_interval" toml:"poll_interval"`
	JoinInterval   string   `yaml:"join_interval" toml:"join_interval"`
	CancelGrace    string   `yaml:"cancel_grace" toml:"cancel_grace"`
	CleanupTimeout string   `yaml:"cleanup_timeout" toml:"cleanup_timeout"`
	ComposeCommand []string `yaml:"compose_command" toml:"compose_command"`
}

type TailFileConfig struct {
	Lines         *int   `yaml:"lines" toml:"lines"`
	MaxBytes      *int64 `yaml:"max_bytes" toml:"max_bytes"`
	FirstInterval string `yaml:"first_interval" toml:"first_interval"`
	Interval      string `yaml:"interval" toml:"interval"`
}

type GitHubFileConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Login string `yaml:"login" toml:"login"`
	Token string `yaml:"token" toml:"token"`
}

type DockerFileConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Registry string `yaml:"registry" toml:"registry"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

type SMTPFileConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     *int   `yaml:"port" toml:"port"`
	From     string `yaml:"from" toml:"from"`
	Login    string `yaml:"login" toml:"login"`
	Password string `yaml:"password" toml:"password"`
	StartTLS *bool  `yaml:"starttls" toml:"starttls"`
}

type MetricsFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Port      *int   `yaml:"port" toml:"port"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
	Interval  string `yaml:"interval" toml:"interval"`
}

type LogFileConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// ResolveConfigPath picks --config from args, then BOB_CONFIG, then the
// first default filename present in the working directory.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv(configEnv); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	setString(&cfg.DatabaseURL, fileCfg.DSN)
	setString(&cfg.StoreBackend, fileCfg.Store.Backend)
	setString(&cfg.TableName, fileCfg.Store.Table)
	setString(&cfg.QueueBackend, fileCfg.Queue.Backend)
	setString(&cfg.QueueName, fileCfg.Queue.Name)
	setString(&cfg.AWSRegion, fileCfg.AWS.Region)
	setString(&cfg.AWSEndpoint, fileCfg.AWS.Endpoint)

	setString(&cfg.WorkerID, fileCfg.Worker.WorkerID)
	setString(&cfg.BuildPath, fileCfg.Worker.BuildPath)
	if len(fileCfg.Worker.ComposeCommand) > 0 {
		cfg.ComposeCommand = append([]string{}, fileCfg.Worker.ComposeCommand...)
	}

	durations := []struct {
		field string
		value string
		dest  *time.Duration
	}{
		{"queue.visibility_timeout", fileCfg.Queue.VisibilityTimeout, &cfg.VisibilityTimeout},
		{"worker.receive_wait", fileCfg.Worker.ReceiveWait, &cfg.ReceiveWait},
		{"worker.poll_interval", fileCfg.Worker.PollInterval, &cfg.PollInterval},
		{"worker.join_interval", fileCfg.Worker.JoinInterval, &cfg.JoinInterval},
		{"worker.cancel_grace", fileCfg.Worker.CancelGrace, &cfg.CancelGrace},
		{"worker.cleanup_timeout", fileCfg.Worker.CleanupTimeout, &cfg.CleanupTimeout},
		{"tail.first_interval", fileCfg.Tail.FirstInterval, &cfg.TailFirstInterval},
		{"tail.interval", fileCfg.Tail.Interval, &cfg.TailInterval},
		{"metrics.interval", fileCfg.Metrics.Interval, &cfg.MetricsInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dest = parsed
	}

	if fileCfg.Tail.Lines != nil {
		cfg.TailLines = *fileCfg.Tail.Lines
	}
	if fileCfg.Tail.MaxBytes != nil {
		cfg.TailMaxBytes = *fileCfg.Tail.MaxBytes
	}

	setString(&cfg.GitHubURL, fileCfg.GitHub.URL)
	setString(&cfg.GitHubLogin, fileCfg.GitHub.Login)
	setString(&cfg.GitHubToken, fileCfg.GitHub.Token)

	setString(&cfg.DockerHost, fileCfg.Docker.Host)
	setString(&cfg.RegistryServer, fileCfg.Docker.Registry)
	setString(&cfg.RegistryUsername, fileCfg.Docker.Username)
	setString(&cfg.RegistryPassword, fileCfg.Docker.Password)

	setString(&cfg.SMTPHost, fileCfg.SMTP.Host)
	setString(&cfg.SMTPFrom, fileCfg.SMTP.From)
	setString(&cfg.SMTPLogin, fileCfg.SMTP.Login)
	setString(&cfg.SMTPPassword, fileCfg.SMTP.Password)
	if fileCfg.SMTP.Port != nil {
		cfg.SMTPPort = *fileCfg.SMTP.Port
	}
	if fileCfg.SMTP.StartTLS != nil {
		cfg.SMTPStartTLS = *fileCfg.SMTP.StartTLS
	}

	if fileCfg.Metrics.Addr != "" || fileCfg.Metrics.Port != nil {
		addr := fileCfg.Metrics.Addr
		if fileCfg.Metrics.Port != nil {
			addr = fmt.Sprintf("%s:%d", addr, *fileCfg.Metrics.Port)
		}
		cfg.MetricsAddr = addr
	}
	setString(&cfg.MetricsAuthToken, fileCfg.Metrics.AuthToken)

	setString(&cfg.LogLevel, fileCfg.Log.Level)
	setString(&cfg.LogFile, fileCfg.Log.File)

	if len(fileCfg.Schedules) > 0 {
		cfg.Schedules = append([]Schedule{}, fileCfg.Schedules...)
	}
	return nil
}

func setString(dest *string, value string) {
	if value != "" {
		*dest = value
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) {
				return "", true, fmt.Errorf("missing value for --config")
			}
			if args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
