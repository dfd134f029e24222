// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在环境变量中（YAML 中不存储任何密码）。
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/mlrun-admin/prod.yaml（环境变量由 systemd 注入）
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// DefaultBucket 未配置 bucket 时使用的默认名称
const DefaultBucket = "mlrun-artifacts"

// DefaultRunnerCommand 远端 runner 命令模板
//
// 可用占位符：{bucket} {version_root} {artifacts_prefix} {task} {run_id} {owner} {project} {version}
const DefaultRunnerCommand = "python3 /opt/automesh/runner.py --base_s3 s3://{bucket}/{version_root} --out_s3 s3://{bucket}/{artifacts_prefix} --task {task} --run_id {run_id}"

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer    APIServerConfig    `yaml:"api_server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tail         TailConfig         `yaml:"tail"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string    `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig HTTPS 配置；AutoGenerate 时证书缺失则在 CertDir 下生成自签名证书
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertDir      string   `yaml:"cert_dir"`
	AutoGenerate bool     `yaml:"auto_generate"`
	Hosts        []string `yaml:"hosts"`
}

// DatabaseConfig 运行账本数据库
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Redis（队列下发与 worker 心跳）
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 读取
	URL      string `yaml:"url"` // 直接指定 URL，优先于 host/port/db
}

// ObjectStoreConfig 对象存储
type ObjectStoreConfig struct {
	Driver       string `yaml:"driver"`   // "minio"、"s3" 或 "memory"
	Endpoint     string `yaml:"endpoint"` // MinIO: host:port；S3: 完整 URL（可空）
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	UseSSL       bool   `yaml:"use_ssl"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"-"` // 只从 OBJECT_STORE_ACCESS_KEY / MINIO_ROOT_USER 读取
	SecretKey    string `yaml:"-"` // 只从 OBJECT_STORE_SECRET_KEY / MINIO_ROOT_PASSWORD 读取
}

// DispatcherConfig 远端下发配置
type DispatcherConfig struct {
	Driver        string            `yaml:"driver"`         // "ssh"、"queue" 或 "docker"
	Workers       map[string]string `yaml:"workers"`        // owner → worker 引用
	DefaultWorker string            `yaml:"default_worker"` // 未匹配 owner 时使用
	Provider      string            `yaml:"provider"`       // "static" 或 "online"（Redis 心跳）
	RunnerCommand string            `yaml:"runner_command"`
	SSH           SSHConfig         `yaml:"ssh"`
	Docker        DockerConfig      `yaml:"docker"`
	Queue         QueueConfig       `yaml:"queue"`
}

// SSHConfig SSH 下发
type SSHConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Password       string        `yaml:"-"` // 只从 DISPATCH_SSH_PASSWORD 读取
	JobDir         string        `yaml:"job_dir"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// DockerConfig Docker 下发
type DockerConfig struct {
	Image   string   `yaml:"image"`
	Network string   `yaml:"network"`
	Env     []string `yaml:"env"`
}

// QueueConfig Redis Streams 下发
type QueueConfig struct {
	StreamMaxLen int64         `yaml:"stream_max_len"`
	StatusTTL    time.Duration `yaml:"status_ttl"`
	OnlineWindow time.Duration `yaml:"online_window"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	RemoteTimeout    time.Duration `yaml:"remote_timeout"`
	PresignTTL       time.Duration `yaml:"presign_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
	SweepBatch       int           `yaml:"sweep_batch"`
	MaxReadBytes     int64         `yaml:"max_read_bytes"`
	MaxReadLines     int           `yaml:"max_read_lines"`
}

// TailConfig 实时跟踪配置
type TailConfig struct {
	LogInterval     time.Duration `yaml:"log_interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	MaxBytes        int64         `yaml:"max_bytes"`
}

// AuthConfig 认证配置
// 注意：JWTSecret 只从 JWT_SECRET 环境变量读取
type AuthConfig struct {
	JWTSecret      string `yaml:"-"`
	AccessTokenTTL string `yaml:"access_token_ttl"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	APIPort        string
	TLS            TLSConfig
	Redis          RedisConfig
	ObjectStore    ObjectStoreConfig
	Dispatcher     DispatcherConfig
	Orchestrator   OrchestratorConfig
	Tail           TailConfig
	Auth           AuthConfig
	Log            LogConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}

// TokenTTL 解析 AccessTokenTTL，非法或为空时 15 分钟
func (a AuthConfig) TokenTTL() time.Duration {
	d, err := time.ParseDuration(a.AccessTokenTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
