// Package s3 implements the provider interfaces for AWS S3 and
// S3-compatible stores such as MinIO.
package s3

import "fmt"

// Config configures an S3 provider.
//
// Credentials follow the AWS SDK v2 default chain (environment, shared
// files, instance roles) unless AccessKeyID and SecretAccessKey are both
// set. When Endpoint is empty and no region resolves, us-east-1 is used.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path. Most S3-compatible
	// stores need it.
	ForcePathStyle bool

	// MaxKeys is the default List page size, capped at 1000.
	MaxKeys int
}

const (
	DefaultMaxKeys   = 1000
	MaxAllowedKeys   = 1000
	DefaultAWSRegion = "us-east-1"
)

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 config: %s: %s", e.Field, e.Message)
}
