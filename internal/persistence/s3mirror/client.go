// Package s3mirror copies files from the data directory to an S3-compatible bucket
// (AWS S3, R2, MinIO) in the background. The local files stay authoritative.
package s3mirror

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// EnvPrefix namespaces the mirror settings, e.g. LC_S3_BUCKET.
const EnvPrefix = "LC_S3_"

// Config selects the bucket. An empty Bucket disables mirroring. Credentials fall
// back to the default AWS chain when the keys are empty.
type Config struct {
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION" envDefault:"auto"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	PathStyle       bool   `env:"PATH_STYLE"`
	Prefix          string `env:"PREFIX"`
	Workers         int    `env:"UPLOAD_WORKERS" envDefault:"2"`
	QueueCapacity   int    `env:"QUEUE_CAPACITY" envDefault:"256"`
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

// ConfigFromEnv reads LC_S3_* variables.
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return c, errors.Wrap(err, "parse s3 env")
	}
	return c, nil
}

// Uploader stores one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Client struct {
	s3     *s3.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Client{s3: client, bucket: cfg.Bucket}, nil
}

func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	return errors.Wrapf(err, "put %s", key)
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return "application/zstd"
	case filepath.Ext(path) == ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
