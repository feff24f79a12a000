package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// SpacesOptions は DigitalOcean Spaces（S3 互換）の接続設定です。
type SpacesOptions struct {
	Key      string
	Secret   string
	Region   string
	Bucket   string
	Endpoint string
	// PublicBaseURL を指定しない場合は https://<bucket>.<region>.digitaloceanspaces.com を使います。
	PublicBaseURL string
	// PathStyle はパス形式のアドレスを使う場合に true にします（S3 互換のテストサーバー向け）。
	PathStyle bool
}

// Spaces は S3 互換のオブジェクトストレージへの保存です。オブジェクトは public-read で作成します。
type Spaces struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewSpaces は Spaces を作成します。
func NewSpaces(ctx context.Context, opts SpacesOptions) (*Spaces, error) {
	if opts.Key == "" || opts.Secret == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("spaces key, secret and bucket are required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("https://%s.digitaloceanspaces.com", opts.Region)
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.Key, opts.Secret, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load spaces config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = opts.PathStyle
	})

	base := opts.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.%s.digitaloceanspaces.com", opts.Bucket, opts.Region)
	}
	return &Spaces{client: client, bucket: opts.Bucket, baseURL: strings.TrimRight(base, "/")}, nil
}

// Save はオブジェクトをアップロードし、公開URLを返します。
func (s *Spaces) Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload body: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", k, err)
	}
	return s.URL(k), nil
}

// Load はオブジェクトを取得します。
func (s *Spaces) Load(ctx context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", k, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete はオブジェクトを削除します。
func (s *Spaces) Delete(ctx context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)}); err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

// URL は公開URLを返します。
func (s *Spaces) URL(key string) string {
	k, err := cleanKey(key)
	if err != nil {
		return ""
	}
	return s.baseURL + "/" + k
}
