// Package media turns a post's stored image reference into a URL the
// external platforms can fetch. References to remote URLs pass through;
// oversized uploads are downscaled and re-uploaded before handing out a link.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"social-publisher/internal/config"
)

type objectStore interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	PublicURL(key string) string
}

// Resolver prepares post images for external publishing.
type Resolver struct {
	cfg        config.Config
	httpClient *http.Client
	store      objectStore
}

// NewResolver builds a resolver backed by S3 when a bucket is configured.
// Without a bucket only pass-through URL references are supported.
func NewResolver(ctx context.Context, cfg config.Config) (*Resolver, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := &Resolver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.store = &s3Store{client: client, bucket: cfg.MediaS3Bucket, baseURL: cfg.MediaPublicBaseURL}
	}
	return r, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Resolve maps an image reference to a publishable URL. HTTP(S) references
// pass through unchanged. Storage keys are fetched, downscaled to the
// platform width limit when needed, and re-uploaded under a derived key.
func (r *Resolver) Resolve(ctx context.Context, imageRef string) (string, error) {
	if imageRef == "" {
		return "", nil
	}
	if strings.HasPrefix(imageRef, "http://") || strings.HasPrefix(imageRef, "https://") {
		return imageRef, nil
	}
	if r.store == nil {
		return "", fmt.Errorf("image ref %q is a storage key but no media bucket is configured", imageRef)
	}

	data, _, err := r.store.Get(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("fetch image %s: %w", imageRef, err)
	}
	if int64(len(data)) > r.cfg.MediaMaxBytes && r.cfg.MediaMaxBytes > 0 {
		return "", fmt.Errorf("image %s too large (>%d bytes)", imageRef, r.cfg.MediaMaxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", imageRef, err)
	}

	maxWidth := r.cfg.MediaMaxWidth
	if maxWidth <= 0 {
		maxWidth = 1080
	}
	if img.Bounds().Dx() <= maxWidth {
		return r.store.PublicURL(imageRef), nil
	}

	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	outFormat := imaging.JPEG
	outType := "image/jpeg"
	if strings.EqualFold(format, "png") {
		outFormat = imaging.PNG
		outType = "image/png"
	}
	if err := imaging.Encode(buf, resized, outFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image %s: %w", imageRef, err)
	}

	derived := derivedKey(imageRef, maxWidth)
	if err := r.store.Put(ctx, derived, buf.Bytes(), outType); err != nil {
		return "", fmt.Errorf("upload derived image: %w", err)
	}
	return r.store.PublicURL(derived), nil
}

func derivedKey(key string, width int) string {
	if i := strings.LastIndex(key, "."); i > 0 {
		return fmt.Sprintf("%s_w%d%s", key[:i], width, key[i:])
	}
	return fmt.Sprintf("%s_w%d", key, width)
}

type s3Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return body, contentType, nil
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *s3Store) PublicURL(key string) string {
	if s.baseURL != "" {
		return strings.TrimRight(s.baseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key)
}
