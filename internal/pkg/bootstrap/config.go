// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"stocksync/internal/pkg/database"
)

const defaultConfigFile = "configs/stock-service.yaml"

// Config 是库存服务的全部配置，来源依次为：默认值、YAML 文件、环境变量。
type Config struct {
	App       AppConfig       `yaml:"app"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Journal   JournalConfig   `yaml:"journal"`
	Hub       HubConfig       `yaml:"hub"`
	Payment   PaymentConfig   `yaml:"payment"`
	Infra     InfraConfig     `yaml:"infra"`
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"logLevel"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type ReconcileConfig struct {
	LockBackend       string        `yaml:"lockBackend"` // local | zookeeper
	LockTimeout       time.Duration `yaml:"lockTimeout"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
}

type LedgerConfig struct {
	Backend string         `yaml:"backend"` // memory | redis | mysql
	Seed    map[string]int `yaml:"seed"`
}

type JournalConfig struct {
	Backend string        `yaml:"backend"` // memory | redis | mysql
	TTL     time.Duration `yaml:"ttl"`
}

type HubConfig struct {
	SubscriberBuffer  int           `yaml:"subscriberBuffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

type PaymentConfig struct {
	APIBase            string        `yaml:"apiBase"`
	SecretKey          string        `yaml:"secretKey"`
	WebhookSecret      string        `yaml:"webhookSecret"`
	SignatureTolerance time.Duration `yaml:"signatureTolerance"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig         `yaml:"jaeger"`
	Redis     RedisConfig          `yaml:"redis"`
	MySQL     database.MySQLConfig `yaml:"mysql"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	Zookeeper ZookeeperConfig      `yaml:"zookeeper"`
	Nacos     NacosConfig          `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	GroupID      string   `yaml:"groupId"`
	PaymentTopic string   `yaml:"paymentTopic"`
	PaymentDLT   string   `yaml:"paymentDlt"`
	CatalogTopic string   `yaml:"catalogTopic"`
	AlertTopic   string   `yaml:"alertTopic"`
}

type ZookeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	LockName       string        `yaml:"lockName"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

var (
	currentMu     sync.RWMutex
	currentConfig = DefaultConfig()
)

// DefaultConfig 返回单机开发可直接运行的配置：内存账本、本地锁、不连接任何外部组件。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:            "stock-service",
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			LockBackend:       "local",
			LockTimeout:       10 * time.Second,
			ProcessingTimeout: 30 * time.Second,
		},
		Ledger:  LedgerConfig{Backend: "memory"},
		Journal: JournalConfig{Backend: "memory", TTL: 7 * 24 * time.Hour},
		Hub: HubConfig{
			SubscriberBuffer:  64,
			HeartbeatInterval: 15 * time.Second,
		},
		Payment: PaymentConfig{
			APIBase:            "https://api.stripe.com",
			SignatureTolerance: 5 * time.Minute,
			RequestTimeout:     10 * time.Second,
		},
		Infra: InfraConfig{
			Kafka: KafkaConfig{
				GroupID:      "stock-service",
				PaymentTopic: "payment-events",
				PaymentDLT:   "payment-events-dlt",
				CatalogTopic: "catalog-published",
				AlertTopic:   "stock-alerts",
			},
			Zookeeper: ZookeeperConfig{
				SessionTimeout: 10 * time.Second,
				LockName:       "stock-reconcile",
			},
			MySQL: database.MySQLConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			Nacos: NacosConfig{Group: "DEFAULT_GROUP"},
		},
	}
}

// LoadConfig 读取 CONFIG_FILE (默认 configs/stock-service.yaml) 并应用环境变量覆盖。
// 默认路径不存在时只使用默认值；显式指定的文件不存在则报错。
func LoadConfig() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_FILE")
	if !explicit {
		path = defaultConfigFile
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentMu.Lock()
	currentConfig = cfg
	currentMu.Unlock()
	return cfg, nil
}

// GetCurrentConfig 返回最近一次成功加载的配置
func GetCurrentConfig() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return currentConfig
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.Port = getEnvInt("APP_PORT", cfg.App.Port)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Reconcile.LockBackend = getEnv("LOCK_BACKEND", cfg.Reconcile.LockBackend)
	cfg.Ledger.Backend = getEnv("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Journal.Backend = getEnv("JOURNAL_BACKEND", cfg.Journal.Backend)

	cfg.Payment.APIBase = getEnv("PAYMENT_API_BASE", cfg.Payment.APIBase)
	cfg.Payment.SecretKey = getEnv("PAYMENT_SECRET_KEY", cfg.Payment.SecretKey)
	cfg.Payment.WebhookSecret = getEnv("PAYMENT_WEBHOOK_SECRET", cfg.Payment.WebhookSecret)

	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", cfg.Infra.MySQL.Addr)
	cfg.Infra.MySQL.User = getEnv("MYSQL_USER", cfg.Infra.MySQL.User)
	cfg.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.MySQL.Password)
	cfg.Infra.MySQL.DBName = getEnv("MYSQL_DATABASE", cfg.Infra.MySQL.DBName)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Infra.Kafka.Brokers = splitList(brokers)
	}
	cfg.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
}

// Validate 检查后端选择与其依赖的基础设施是否匹配
func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return errors.Errorf("app.port %d out of range", c.App.Port)
	}
	for name, backend := range map[string]string{"ledger.backend": c.Ledger.Backend, "journal.backend": c.Journal.Backend} {
		switch backend {
		case "memory":
		case "redis":
			if c.Infra.Redis.Addrs == "" {
				return errors.Errorf("%s is redis but infra.redis.addrs is empty", name)
			}
		case "mysql":
			if c.Infra.MySQL.Addr == "" || c.Infra.MySQL.DBName == "" {
				return errors.Errorf("%s is mysql but infra.mysql.addr/dbName is empty", name)
			}
		default:
			return errors.Errorf("%s: unknown backend %q", name, backend)
		}
	}
	switch c.Reconcile.LockBackend {
	case "local":
	case "zookeeper":
		if c.Infra.Zookeeper.Servers == "" {
			return errors.New("reconcile.lockBackend is zookeeper but infra.zookeeper.servers is empty")
		}
	default:
		return errors.Errorf("reconcile.lockBackend: unknown backend %q", c.Reconcile.LockBackend)
	}
	if c.Ledger.Backend == "memory" && c.Reconcile.LockBackend == "zookeeper" {
		return errors.New("a zookeeper lock across instances needs a shared ledger backend")
	}
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
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
