package coremain

import (
	"github.com/pmkol/swproxy/mlog"
	"github.com/pmkol/swproxy/pkg/classify"
)

type Config struct {
	Log        mlog.LogConfig   `yaml:"log"`
	Include    []string         `yaml:"include"`
	Cache      CacheConfig      `yaml:"cache"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Queue      QueueConfig      `yaml:"queue"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Sync       SyncConfig       `yaml:"sync"`
	Servers    []ServerConfig   `yaml:"servers"`
	API        APIConfig        `yaml:"api"`
}

type CacheConfig struct {
	// Backend: "", "sqlite" -> sqlite file at SQLite
	// "memory" -> in memory lru, lost on restart
	// "redis" -> redis server at Redis
	Backend string `yaml:"backend"`

	Size                int    `yaml:"size"`                 // memory backend entry limit. Default is 4096.
	MaxAge              int    `yaml:"max_age"`              // (sec) memory backend drops older entries. Zero keeps them.
	CleanerInterval     int    `yaml:"cleaner_interval"`     // (sec) memory backend cleaner interval. Default is 60.
	SQLite              string `yaml:"sqlite"`               // sqlite database path, shared with the queue store. Default is "swproxy.db".
	Redis               string `yaml:"redis"`                // redis url, e.g. redis://127.0.0.1:6379/0
	RedisTimeout        int    `yaml:"redis_timeout"`        // (ms) default is 1000.
	RedisKeyPrefix      string `yaml:"redis_key_prefix"`     // default is "swproxy:".
	NamespacePrefix     string `yaml:"namespace_prefix"`     // prepended to every namespace name.
	PrecacheConcurrency int    `yaml:"precache_concurrency"` // parallel fetches on install. Default is 4.
}

type UpstreamConfig struct {
	// Origin is the app origin that relative request urls resolve against.
	Origin             string `yaml:"origin"`
	Timeout            int    `yaml:"timeout"`       // (sec) per fetch. Default is 30.
	MaxBodySize        int64  `yaml:"max_body_size"` // response body limit in bytes. Default is 8 MiB.
	HTTP3              bool   `yaml:"http3"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ClassifierConfig struct {
	StaticExtensions []string                  `yaml:"static_extensions"`
	APIPrefix        string                    `yaml:"api_prefix"`
	APIPatterns      []string                  `yaml:"api_patterns"`
	ExternalHosts    []string                  `yaml:"external_hosts"`
	Rules            []classify.ExprRuleConfig `yaml:"rules"`
}

type StrategyConfig struct {
	RevalidateTimeout int `yaml:"revalidate_timeout"` // (sec) background revalidation. Default is 10.
}

type QueueConfig struct {
	// Store: "", "sqlite" -> the cache.sqlite database
	// "memory" -> in memory, lost on restart
	Store      string `yaml:"store"`
	MaxRetries int    `yaml:"max_retries"` // zero retries forever.
}

type LifecycleConfig struct {
	Manifest    string `yaml:"manifest"`     // manifest file path. Required.
	StateFile   string `yaml:"state_file"`   // Default is "swproxy_state.yaml".
	SkipWaiting bool   `yaml:"skip_waiting"` // activate new generations right after install.
	Watch       bool   `yaml:"watch"`        // install the manifest again whenever its version changes.
}

type SyncConfig struct {
	// Cron schedules in robfig/cron format, e.g. "@every 5m".
	BackgroundSync string   `yaml:"background_sync"`
	ContentSync    string   `yaml:"content_sync"`
	RefreshURLs    []string `yaml:"refresh_urls"`
	Timeout        int      `yaml:"timeout"` // (sec) per triggered sync. Default is 60.
}

type ServerConfig struct {
	Listeners []*ServerListenerConfig `yaml:"listeners"`
}

type ServerListenerConfig struct {
	// Protocol: server protocol, can be:
	// "", "http" -> plain http
	// "https", "tls" -> http over tls
	// "h3", "http3" -> http3
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr.
	// When uds enabled must be "path"
	// Addr cannot be empty.
	Addr string `yaml:"addr"`

	// UnixDomainSocket: server addr is uds.
	UnixDomainSocket bool `yaml:"uds"`

	Cert                string `yaml:"cert"`                    // certificate path, used by https, h3
	Key                 string `yaml:"key"`                     // certificate key path, used by https, h3
	KernelTX            bool   `yaml:"kernel_tx"`               // use kernel tls to send data
	KernelRX            bool   `yaml:"kernel_rx"`               // use kernel tls to receive data
	HealthPath          string `yaml:"health_path"`             // health check endpoint path
	GetUserIPFromHeader string `yaml:"get_user_ip_from_header"` // except "True-Client-IP" "X-Real-IP" "X-Forwarded-For".
	ProxyProtocol       bool   `yaml:"proxy_protocol"`          // accepting the PROXYProtocol
	MaxBodySize         int64  `yaml:"max_body_size"`           // request body limit in bytes. Default is 4 MiB.

	IdleTimeout uint   `yaml:"idle_timeout"` // (sec) connection idle timeout.
	AllowedSNI  string `yaml:"allowed_sni"`  // only this sni is accepted if set
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

func setDefaultNum[T ~int | ~int64](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

func (c *Config) init() {
	setDefaultNum(&c.Cache.Size, 4096)
	setDefaultNum(&c.Cache.CleanerInterval, 60)
	setDefaultNum(&c.Cache.RedisTimeout, 1000)
	setDefaultNum(&c.Upstream.Timeout, 30)
	setDefaultNum(&c.Strategy.RevalidateTimeout, 10)
	setDefaultNum(&c.Sync.Timeout, 60)
	if c.Cache.SQLite == "" {
		c.Cache.SQLite = "swproxy.db"
	}
	if c.Lifecycle.StateFile == "" {
		c.Lifecycle.StateFile = "swproxy_state.yaml"
	}
}
