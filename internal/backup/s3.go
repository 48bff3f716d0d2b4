package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
)

const defaultS3Region = "us-east-1"

// S3Config holds the S3 destination and static credentials.
type S3Config struct {
	BucketURL    string // s3://bucket/prefix, prefix optional
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// runFunc executes one command and returns its combined output.
type runFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	return cmd.CombinedOutput()
}

// S3Uploader copies snapshots to S3 with the aws CLI.
type S3Uploader struct {
	bucket    string
	keyPrefix string
	cfg       S3Config
	run       runFunc
}

// NewS3Uploader validates cfg and checks that the aws CLI is installed.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	u, err := newS3Uploader(cfg, execRun)
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	return u, nil
}

func newS3Uploader(cfg S3Config, run runFunc) (*S3Uploader, error) {
	bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultS3Region
	}
	return &S3Uploader{bucket: bucket, keyPrefix: prefix, cfg: cfg, run: run}, nil
}

// ObjectURL returns the destination of localPath.
func (u *S3Uploader) ObjectURL(localPath string) string {
	key := path.Base(localPath)
	if u.keyPrefix != "" {
		key = path.Join(u.keyPrefix, key)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}

// UploadFile implements Uploader.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	args := []string{"s3", "cp", localPath, u.ObjectURL(localPath), "--region", u.cfg.Region, "--only-show-errors"}
	if endpoint := normalizeEndpoint(u.cfg.Endpoint, u.cfg.UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	env := append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+u.cfg.AccessKey,
		"AWS_SECRET_ACCESS_KEY="+u.cfg.SecretKey,
		"AWS_DEFAULT_REGION="+u.cfg.Region,
	)
	if strings.TrimSpace(u.cfg.SessionToken) != "" {
		env = append(env, "AWS_SESSION_TOKEN="+u.cfg.SessionToken)
	}
	out, err := u.run(ctx, env, "aws", args...)
	if err != nil {
		return fmt.Errorf("s3: aws s3 cp: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func parseS3BucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse backup_bucket_url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: backup_bucket_url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("s3: backup_bucket_url missing bucket name")
	}
	return u.Host, strings.Trim(strings.TrimSpace(u.Path), "/"), nil
}
