package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 加载 {env}.yaml
//  3. 环境变量覆盖，填充默认值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	return build(env, yamlCfg), nil
}

// defaults 代码默认值
func defaults() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Driver: "sqlite", Host: "localhost", Port: 5432, User: "mlrun", Name: "mlrun_admin", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		ObjectStore: ObjectStoreConfig{
			Driver:   "minio",
			Endpoint: "localhost:9000",
			Bucket:   DefaultBucket,
		},
		Dispatcher: DispatcherConfig{
			Driver:        "ssh",
			Provider:      "static",
			RunnerCommand: DefaultRunnerCommand,
			SSH:           SSHConfig{User: "ubuntu", Port: 22, JobDir: "/tmp/mlrun-jobs", DialTimeout: 10 * time.Second},
			Docker:        DockerConfig{Image: "automesh/runner:latest"},
			Queue:         QueueConfig{StreamMaxLen: 1000, StatusTTL: 7 * 24 * time.Hour, OnlineWindow: 30 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			RemoteTimeout:    30 * time.Second,
			PresignTTL:       60 * time.Minute,
			SweepInterval:    15 * time.Second,
			SweepConcurrency: 4,
			SweepBatch:       100,
			MaxReadBytes:     4 << 20,
			MaxReadLines:     100000,
		},
		Tail: TailConfig{
			LogInterval:     2 * time.Second,
			MetricsInterval: 3 * time.Second,
			MaxBytes:        8 << 20,
		},
		Auth: AuthConfig{AccessTokenTTL: "15m"},
		Log:  LogConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: defaults()}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths(env) {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
		break
	}
	return cfg, nil
}

// build 合并环境变量并构建最终配置
func build(env Environment, y *yamlConfigInternal) *Config {
	y.Database.Password = getEnv("DB_PASSWORD", "")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.ObjectStore.AccessKey = firstEnv("OBJECT_STORE_ACCESS_KEY", "MINIO_ROOT_USER", "AWS_ACCESS_KEY_ID")
	y.ObjectStore.SecretKey = firstEnv("OBJECT_STORE_SECRET_KEY", "MINIO_ROOT_PASSWORD", "AWS_SECRET_ACCESS_KEY")
	y.Dispatcher.SSH.Password = os.Getenv("DISPATCH_SSH_PASSWORD")
	y.Auth.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("API_PORT"); v != "" {
		y.APIServer.Port = v
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		y.APIServer.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_DIR"); v != "" {
		y.APIServer.TLS.CertDir = v
	}
	if v := os.Getenv("OBJECT_STORE_DRIVER"); v != "" {
		y.ObjectStore.Driver = v
	}
	if v := os.Getenv("DISPATCH_DRIVER"); v != "" {
		y.Dispatcher.Driver = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		y.Log.Level = v
	}
	if v := os.Getenv("REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			y.Orchestrator.RemoteTimeout = d
		}
	}
	if v := os.Getenv("SWEEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			y.Orchestrator.SweepConcurrency = n
		}
	}

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(y.Database.Driver, databaseURL)
	y.Database.Driver = driver
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(y.Database, y.Database.Password)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = buildRedisURL(y.Redis)
	} else {
		y.Redis.Enabled = true
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		APIPort:        y.APIServer.Port,
		TLS:            y.APIServer.TLS,
		Redis:          y.Redis,
		ObjectStore:    y.ObjectStore,
		Dispatcher:     y.Dispatcher,
		Orchestrator:   y.Orchestrator,
		Tail:           y.Tail,
		Auth:           y.Auth,
		Log:            y.Log,
		ConfigFilePath: y.loadedFrom,
	}
	cfg.validate()
	return cfg
}

// validate 填充零值
func (c *Config) validate() {
	d := defaults()
	if c.Orchestrator.RemoteTimeout <= 0 {
		c.Orchestrator.RemoteTimeout = d.Orchestrator.RemoteTimeout
	}
	if c.Orchestrator.PresignTTL <= 0 {
		c.Orchestrator.PresignTTL = d.Orchestrator.PresignTTL
	}
	if c.Orchestrator.SweepInterval <= 0 {
		c.Orchestrator.SweepInterval = d.Orchestrator.SweepInterval
	}
	if c.Orchestrator.SweepConcurrency <= 0 {
		c.Orchestrator.SweepConcurrency = d.Orchestrator.SweepConcurrency
	}
	if c.Orchestrator.SweepBatch <= 0 {
		c.Orchestrator.SweepBatch = d.Orchestrator.SweepBatch
	}
	if c.Tail.LogInterval <= 0 {
		c.Tail.LogInterval = d.Tail.LogInterval
	}
	if c.Tail.MetricsInterval <= 0 {
		c.Tail.MetricsInterval = d.Tail.MetricsInterval
	}
	if c.Dispatcher.RunnerCommand == "" {
		c.Dispatcher.RunnerCommand = DefaultRunnerCommand
	}
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = DefaultBucket
	}
}
