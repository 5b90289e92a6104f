package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		// Addr es la dirección del endpoint admin/health/metrics.
		Addr string `yaml:"addr"`
		// AdminAPIKey protege /v1/admin/*. Vacío => admin deshabilitado.
		AdminAPIKey string `yaml:"admin_api_key"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		// Migrate aplica las migraciones embebidas en el arranque.
		Migrate  bool `yaml:"migrate"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Notify struct {
		// Kind: pg | redis | memory
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"notify"`

	Region struct {
		// ProcessID identifica este proceso region ante la base y el bus.
		// Si está vacío se deriva de hostname+pid.
		ProcessID string `yaml:"process_id"`

		// Secret es el secreto compartido con los rack agents (hex).
		// SecretFile tiene prioridad si ambos están presentes.
		Secret     string `yaml:"secret"`
		SecretFile string `yaml:"secret_file"`

		// Pool RPC
		MaxConns     int    `yaml:"max_conns"`      // conexiones máximas por endpoint
		MaxIdleConns int    `yaml:"max_idle_conns"` // objetivo al reapear tras un burst
		Keepalive    string `yaml:"keepalive"`      // reintento de reap sobre conexión ocupada
		DialTimeout  string `yaml:"dial_timeout"`
		CallTimeout  string `yaml:"call_timeout"`
	} `yaml:"region"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load lee el YAML, aplica defaults y overrides de entorno (RACKWATCH_* y
// aliases cortos tipo STORAGE_DSN). Path vacío => sólo defaults + entorno.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":5240"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Notify.Kind == "" {
		c.Notify.Kind = "pg"
	}
	if c.Region.MaxConns == 0 {
		c.Region.MaxConns = 4
	}
	if c.Region.MaxIdleConns == 0 {
		c.Region.MaxIdleConns = 1
	}
	if c.Region.Keepalive == "" {
		c.Region.Keepalive = "1s"
	}
	if c.Region.DialTimeout == "" {
		c.Region.DialTimeout = "5s"
	}
	if c.Region.CallTimeout == "" {
		c.Region.CallTimeout = "30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func getEnvStr(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func getEnvInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("ADMIN_API_KEY"); ok {
		c.Server.AdminAPIKey = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("STORAGE_MIGRATE"); ok {
		c.Storage.Migrate = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := getEnvInt("POSTGRES_MAX_OPEN_CONNS"); ok {
		c.Storage.Postgres.MaxOpenConns = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_IDLE_CONNS"); ok {
		c.Storage.Postgres.MaxIdleConns = v
	}
	if v, ok := getEnvStr("POSTGRES_CONN_MAX_LIFETIME"); ok {
		c.Storage.Postgres.ConnMaxLifetime = v
	}

	// NOTIFY
	if v, ok := getEnvStr("NOTIFY_KIND"); ok {
		c.Notify.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Notify.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Notify.Redis.DB = v
	}

	// REGION
	if v, ok := getEnvStr("REGION_PROCESS_ID"); ok {
		c.Region.ProcessID = v
	}
	if v, ok := getEnvStr("REGION_SECRET"); ok {
		c.Region.Secret = v
	}
	if v, ok := getEnvStr("REGION_SECRET_FILE"); ok {
		c.Region.SecretFile = v
	}
	if v, ok := getEnvInt("REGION_MAX_CONNS"); ok {
		c.Region.MaxConns = v
	}
	if v, ok := getEnvInt("REGION_MAX_IDLE_CONNS"); ok {
		c.Region.MaxIdleConns = v
	}
	if v, ok := getEnvStr("REGION_KEEPALIVE"); ok {
		c.Region.Keepalive = v
	}
	if v, ok := getEnvStr("REGION_DIAL_TIMEOUT"); ok {
		c.Region.DialTimeout = v
	}
	if v, ok := getEnvStr("REGION_CALL_TIMEOUT"); ok {
		c.Region.CallTimeout = v
	}

	// LOG
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate chequea coherencia mínima; las duraciones se validan acá para
// fallar en el arranque y no en el primer uso.
func (c *Config) Validate() error {
	for _, d := range []struct{ name, val string }{
		{"region.keepalive", c.Region.Keepalive},
		{"region.dial_timeout", c.Region.DialTimeout},
		{"region.call_timeout", c.Region.CallTimeout},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("config: %s inválido: %w", d.name, err)
		}
	}
	if c.Storage.Postgres.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Storage.Postgres.ConnMaxLifetime); err != nil {
			return fmt.Errorf("config: storage.postgres.conn_max_lifetime inválido: %w", err)
		}
	}
	if c.Region.MaxIdleConns > c.Region.MaxConns {
		return fmt.Errorf("config: region.max_idle_conns (%d) > region.max_conns (%d)",
			c.Region.MaxIdleConns, c.Region.MaxConns)
	}
	return nil
}

// KeepaliveDuration y compañía: accessors ya validados.
func (c *Config) KeepaliveDuration() time.Duration   { return mustDur(c.Region.Keepalive) }
func (c *Config) DialTimeoutDuration() time.Duration { return mustDur(c.Region.DialTimeout) }
func (c *Config) CallTimeoutDuration() time.Duration { return mustDur(c.Region.CallTimeout) }

func mustDur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// SharedSecret resuelve el secreto compartido: archivo > inline. Se espera
// hex; espacios y saltos de línea se toleran.
func (c *Config) SharedSecret() (string, error) {
	if c.Region.SecretFile != "" {
		b, err := os.ReadFile(c.Region.SecretFile)
		if err != nil {
			return "", fmt.Errorf("config: leyendo secret_file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if c.Region.Secret != "" {
		return strings.TrimSpace(c.Region.Secret), nil
	}
	return "", fmt.Errorf("config: falta region.secret o region.secret_file")
}
