package drivers

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/net/http2"

	"github.com/sashko-guz/atelier/internal/logger"
	"github.com/sashko-guz/atelier/internal/storage"
)

// S3Config carries the driver settings. An empty Endpoint targets AWS
// proper; otherwise any S3-compatible store (MinIO etc.) with path-style
// addressing.
type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	BucketPrefix string
	LifecycleTTL time.Duration
}

// S3 maps the three logical buckets onto "<prefix>-raw", "<prefix>-results"
// and "<prefix>-thumb". Lifecycle expiry is assumed to be configured as a
// bucket rule; the driver only caps signed URL TTLs to it.
type S3 struct {
	client       *s3.Client
	presigner    *s3.PresignClient
	bucketPrefix string
	lifecycleTTL time.Duration
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	httpClient := newTunedHTTPClient()

	var client *s3.Client
	if cfg.Endpoint != "" {
		logger.Infof("[S3Storage] Initializing S3-compatible storage: endpoint=%s, prefix=%s, region=%s", cfg.Endpoint, cfg.BucketPrefix, cfg.Region)
		client = s3.New(s3.Options{
			Region:       cfg.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			BaseEndpoint: aws.String(cfg.Endpoint),
			UsePathStyle: true,
			HTTPClient:   httpClient,
		})
	} else {
		logger.Infof("[S3Storage] Initializing AWS S3 storage: prefix=%s, region=%s", cfg.BucketPrefix, cfg.Region)
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithHTTPClient(httpClient),
		}
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3{
		client:       client,
		presigner:    s3.NewPresignClient(client),
		bucketPrefix: cfg.BucketPrefix,
		lifecycleTTL: cfg.LifecycleTTL,
	}, nil
}

func (s *S3) bucketName(bucket storage.Bucket) string {
	return s.bucketPrefix + "-" + string(bucket)
}

func (s *S3) Put(ctx context.Context, bucket storage.Bucket, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName(bucket)),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, path, err)
	}
	logger.Debugf("[S3Storage] Wrote object: %s/%s (%d bytes)", bucket, path, len(data))
	return nil
}

func (s *S3) Get(ctx context.Context, bucket storage.Bucket, path string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(path),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, path)
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body %s/%s: %w", bucket, path, err)
	}
	return data, nil
}

func (s *S3) Delete(ctx context.Context, bucket storage.Bucket, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, path, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, bucket storage.Bucket, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(path),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s/%s: %w", bucket, path, err)
	}
	return true, nil
}

func (s *S3) SignedURL(ctx context.Context, bucket storage.Bucket, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.lifecycleTTL {
		ttl = s.lifecycleTTL
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName(bucket)),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, path, err)
	}
	return req.URL, nil
}

func (s *S3) DeleteImageObjects(ctx context.Context, imageID string) error {
	resultsBucket := s.bucketName(storage.BucketResults)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(resultsBucket),
		Prefix: aws.String(imageID + "_"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list results for image %s: %w", imageID, err)
		}
		for _, object := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(resultsBucket),
				Key:    object.Key,
			}); err != nil {
				return fmt.Errorf("failed to delete result %s: %w", aws.ToString(object.Key), err)
			}
		}
	}

	return s.Delete(ctx, storage.BucketThumb, storage.ThumbPath(imageID))
}

// newTunedHTTPClient mirrors the connection pooling and timeout settings we
// run in front of S3-compatible stores.
func newTunedHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warnf("[S3Storage] Failed to configure HTTP/2: %v", err)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}
