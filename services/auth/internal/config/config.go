package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/smdydx/UserAuthSystem/libs/config"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	LoginLimit      int
	LoginWindow     time.Duration
	OTPRequestLimit int
	OTPWindow       time.Duration
	Redis           RedisConfig
}

type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

type OTPConfig struct {
	Length      int
	TTL         time.Duration
	MaxAttempts int
}

type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

type KafkaConfig struct {
	Brokers       []string
	ClientID      string
	EventsTopic   string
	DeliveryTopic string
	DLQTopic      string
	Timeout       time.Duration
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type ThrottleConfig struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration
}

type JanitorConfig struct {
	Interval       time.Duration
	TokenRetention time.Duration
}

type Config struct {
	App             base.AppConfig
	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	VerificationTTL time.Duration
	RevokeOnReuse   bool
	Argon2          Argon2Params
	HashConcurrency int
	Password        PasswordPolicy
	Lockout         LockoutConfig
	OTP             OTPConfig
	DB              DBConfig
	RateLimit       RateLimitConfig
	Kafka           KafkaConfig
	Throttle        ThrottleConfig
	Janitor         JanitorConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("SHOP_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromEnv(*appCfg)
}

// FromEnv overlays the auth specific settings on top of the shared app
// config. Malformed values fall back to the default.
func FromEnv(app base.AppConfig) (*Config, error) {
	argon, err := argon2FromEnv()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		App:             app,
		JWTSecret:       envString("SHOP_JWT_SECRET", ""),
		JWTIssuer:       envString("SHOP_JWT_ISSUER", "shop-auth"),
		AccessTokenTTL:  envDuration("SHOP_ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL: envDuration("SHOP_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		VerificationTTL: envDuration("SHOP_EMAIL_VERIFICATION_TTL", 24*time.Hour),
		RevokeOnReuse:   envBool("SHOP_REVOKE_ON_REUSE", true),
		Argon2:          argon,
		HashConcurrency: envInt("SHOP_HASH_CONCURRENCY", 4),
		Password: PasswordPolicy{
			MinLength:      envInt("SHOP_PASSWORD_MIN_LENGTH", 8),
			RequireUpper:   envBool("SHOP_PASSWORD_REQUIRE_UPPER", true),
			RequireLower:   envBool("SHOP_PASSWORD_REQUIRE_LOWER", true),
			RequireDigit:   envBool("SHOP_PASSWORD_REQUIRE_DIGIT", true),
			RequireSpecial: envBool("SHOP_PASSWORD_REQUIRE_SPECIAL", true),
		},
		Lockout: LockoutConfig{
			Threshold: envInt("SHOP_LOCKOUT_THRESHOLD", 5),
			Duration:  envDuration("SHOP_LOCKOUT_DURATION", 30*time.Minute),
		},
		OTP: OTPConfig{
			Length:      envInt("SHOP_OTP_LENGTH", 6),
			TTL:         envDuration("SHOP_OTP_TTL", 10*time.Minute),
			MaxAttempts: envInt("SHOP_OTP_MAX_ATTEMPTS", 3),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "shop"),
			User:     envString("POSTGRES_USER", "shop"),
			Password: envString("POSTGRES_PASSWORD", "shop"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: int32(envInt("POSTGRES_MAX_CONNS", 10)),
		},
		RateLimit: RateLimitConfig{
			LoginLimit:      envInt("SHOP_LOGIN_RATE_LIMIT", 10),
			LoginWindow:     envDuration("SHOP_LOGIN_RATE_WINDOW", time.Hour),
			OTPRequestLimit: envInt("SHOP_OTP_REQUEST_LIMIT", 3),
			OTPWindow:       envDuration("SHOP_OTP_REQUEST_WINDOW", time.Hour),
			Redis: RedisConfig{
				Addr:     envString("SHOP_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("SHOP_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("SHOP_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("SHOP_RATE_LIMIT_REDIS_PREFIX", "shop:auth:rl:"),
			},
		},
		Kafka: KafkaConfig{
			Brokers:       envList("SHOP_KAFKA_BROKERS"),
			ClientID:      envString("SHOP_KAFKA_CLIENT_ID", "auth-service"),
			EventsTopic:   envString("SHOP_KAFKA_EVENTS_TOPIC", "auth.events"),
			DeliveryTopic: envString("SHOP_KAFKA_DELIVERY_TOPIC", "notify.delivery"),
			DLQTopic:      envString("SHOP_KAFKA_DLQ_TOPIC", "auth.dead_letter"),
			Timeout:       envDuration("SHOP_KAFKA_TIMEOUT", 5*time.Second),
		},
		Throttle: ThrottleConfig{
			RPS:     envFloat("SHOP_THROTTLE_RPS", 10),
			Burst:   envInt("SHOP_THROTTLE_BURST", 20),
			IdleTTL: envDuration("SHOP_THROTTLE_IDLE_TTL", 10*time.Minute),
		},
		Janitor: JanitorConfig{
			Interval:       envDuration("SHOP_JANITOR_INTERVAL", 15*time.Minute),
			TokenRetention: envDuration("SHOP_TOKEN_RETENTION", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("SHOP_JWT_SECRET must be set")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token ttls must be positive")
	}
	if c.Lockout.Threshold <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout threshold and duration must be positive")
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("otp length must be between 4 and 10")
	}
	if c.OTP.TTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("otp ttl and max attempts must be positive")
	}
	if c.RateLimit.LoginLimit <= 0 || c.RateLimit.OTPRequestLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.RateLimit.LoginWindow <= 0 || c.RateLimit.OTPWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	// Attempts against a locked account are not counted, so a login limit
	// at or below the threshold would answer rate limited before locked.
	if c.RateLimit.LoginLimit <= c.Lockout.Threshold {
		return fmt.Errorf("SHOP_LOGIN_RATE_LIMIT (%d) must exceed SHOP_LOCKOUT_THRESHOLD (%d)",
			c.RateLimit.LoginLimit, c.Lockout.Threshold)
	}
	if c.HashConcurrency <= 0 {
		return fmt.Errorf("SHOP_HASH_CONCURRENCY must be positive")
	}
	a := c.Argon2
	if a.Iterations == 0 || a.Parallelism == 0 || a.Memory < 8*uint32(a.Parallelism) {
		return fmt.Errorf("argon2 needs iterations, parallelism and at least 8 KiB memory per lane")
	}
	if a.SaltLength < 8 || a.KeyLength < 16 {
		return fmt.Errorf("argon2 salt must be at least 8 bytes and key at least 16")
	}
	return nil
}

type intRange struct {
	key      string
	def      int
	min, max int
}

func (r intRange) read() (int, error) {
	n := envInt(r.key, r.def)
	if n < r.min || n > r.max {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", r.key, r.min, r.max, n)
	}
	return n, nil
}

// argon2FromEnv range-checks before narrowing so out of range values fail
// instead of wrapping.
func argon2FromEnv() (Argon2Params, error) {
	var vals [5]int
	ranges := [5]intRange{
		{"SHOP_ARGON2_MEMORY", 64 * 1024, 8, 4 * 1024 * 1024},
		{"SHOP_ARGON2_ITERATIONS", 3, 1, 100},
		{"SHOP_ARGON2_PARALLELISM", 2, 1, 255},
		{"SHOP_ARGON2_SALT_LENGTH", 16, 8, 64},
		{"SHOP_ARGON2_KEY_LENGTH", 32, 16, 64},
	}
	for i, r := range ranges {
		n, err := r.read()
		if err != nil {
			return Argon2Params{}, err
		}
		vals[i] = n
	}
	return Argon2Params{
		Memory:      uint32(vals[0]),
		Iterations:  uint32(vals[1]),
		Parallelism: uint8(vals[2]),
		SaltLength:  uint32(vals[3]),
		KeyLength:   uint32(vals[4]),
	}, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
