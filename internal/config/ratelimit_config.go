package config

type RateLimitConfig interface {
	GetRegisterRatePerMinute() int
	GetAuthorizeRatePerMinute() int
	GetTokenRatePerMinute() int
}

type RateLimit struct{}

var _ RateLimitConfig = RateLimit{}

func (RateLimit) GetRegisterRatePerMinute() int {
	return 10
}

func (RateLimit) GetAuthorizeRatePerMinute() int {
	return 60
}

func (RateLimit) GetTokenRatePerMinute() int {
	return 120
}
