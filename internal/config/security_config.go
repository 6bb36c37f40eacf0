package config

import "time"

type SecurityConfig interface {
	GetKeyGraceWindow() time.Duration
	GetKeyRotationInterval() time.Duration
	GetExpiryLeeway() time.Duration
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetKeyGraceWindow is how long a retired signing key keeps verifying
// tokens after a rotation.
func (Security) GetKeyGraceWindow() time.Duration {
	return 48 * time.Hour
}

func (Security) GetKeyRotationInterval() time.Duration {
	return 30 * 24 * time.Hour
}

// GetExpiryLeeway is the clock-skew tolerance applied to expiry
// comparisons. It is never applied to single-use consumption.
func (Security) GetExpiryLeeway() time.Duration {
	return 5 * time.Second
}
