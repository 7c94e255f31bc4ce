package config

import "fmt"

// Limits bounds request sizes and per-user resource counts.
type Limits struct {
	MaxBodyKB          int `yaml:"max_body_kb"`          // JSON request bodies
	MaxReportsPerUser  int `yaml:"max_reports_per_user"` // 0 = unlimited
	MaxPhotosPerBucket int `yaml:"max_photos_per_bucket"`
	MaxProxyImageMB    int `yaml:"max_proxy_image_mb"`
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyKB:          2048,
		MaxReportsPerUser:  0,
		MaxPhotosPerBucket: 60,
		MaxProxyImageMB:    20,
	}
}

// Validate checks that limits are within acceptable ranges.
func (l Limits) Validate() error {
	if l.MaxBodyKB < 16 {
		return fmt.Errorf("limits.max_body_kb must be >= 16")
	}
	if l.MaxPhotosPerBucket < 1 {
		return fmt.Errorf("limits.max_photos_per_bucket must be >= 1")
	}
	if l.MaxProxyImageMB < 1 {
		return fmt.Errorf("limits.max_proxy_image_mb must be >= 1")
	}
	if l.MaxReportsPerUser < 0 {
		return fmt.Errorf("limits.max_reports_per_user must be >= 0")
	}
	return nil
}

// MaxBodyBytes returns the JSON body limit in bytes.
func (l Limits) MaxBodyBytes() int64 {
	return int64(l.MaxBodyKB) << 10
}

// MaxProxyImageBytes returns the image-proxy response limit in bytes.
func (l Limits) MaxProxyImageBytes() int64 {
	return int64(l.MaxProxyImageMB) << 20
}
