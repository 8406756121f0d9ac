package forge

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectUploader is the part of the remote store the pipeline needs.
type objectUploader interface {
	UploadLocalFile(ctx context.Context, key, filePath string) error
}

// R2Client wraps the S3 client for Cloudflare R2.
type R2Client struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewR2Client initializes a new R2 client from settings.
func NewR2Client(ctx context.Context, s R2Settings) (*R2Client, error) {
	if s.AccountID == "" || s.AccessKey == "" || s.SecretKey == "" || s.Bucket == "" {
		return nil, failf(ErrConfig, "publish", nil, "R2 credentials incomplete (R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")),
		config.WithRegion("auto"),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, failf(ErrPublish, "publish", err, "load R2 config")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", s.AccountID)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{Client: client, BucketName: s.Bucket, Prefix: s.Prefix}, nil
}

// Key places name under the configured prefix.
func (r *R2Client) Key(name string) string {
	return remoteKey(r.Prefix, name)
}

func remoteKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// UploadLocalFile uploads a file from disk to R2.
func (r *R2Client) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(r.Key(key)),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	}
	if enc := contentEncodingFor(key); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}
	_, err = r.Client.PutObject(ctx, input)
	return err
}

// contentTypeFor picks the Content-Type a browser needs to load the module.
// Compressed siblings keep the type of what they decompress to.
func contentTypeFor(key string) string {
	base := key
	for _, ext := range []string{".br", ".zst", ".gz", ".xz"} {
		base = strings.TrimSuffix(base, ext)
	}
	switch {
	case strings.HasSuffix(base, ".wasm"):
		return "application/wasm"
	case strings.HasSuffix(base, ".js"):
		return "text/javascript"
	case strings.HasSuffix(base, ".json"):
		return "application/json"
	case strings.HasSuffix(base, ".sig"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// contentEncodingFor returns the Content-Encoding for a compressed sibling.
func contentEncodingFor(key string) string {
	switch path.Ext(key) {
	case ".br":
		return "br"
	case ".zst":
		return "zstd"
	case ".gz":
		return "gzip"
	default:
		return ""
	}
}
