package config

type Config interface {
	EnvConfig
	OAuthConfig
	SecurityConfig
	RateLimitConfig
}

type mainConfig struct {
	EnvVars
	OAuth
	Security
	RateLimit
}

func New() Config {
	return mainConfig{}
}
