package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"askanna/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Options configures an S3-compatible backend.
type S3Options struct {
	Endpoint         string
	UseHTTPS         bool
	AccessKey        string
	SecretKey        string
	Region           string
	Bucket           string
	ExternalEndpoint string
	ExternalUseHTTPS bool
}

func endpointURL(host string, https bool) string {
	if strings.Contains(host, "://") {
		return host
	}
	if https {
		return "https://" + host
	}
	return "http://" + host
}

// S3 stores objects in a single bucket of an S3-compatible service.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
}

// NewS3 builds the S3 backend. Presigned URLs are signed against the external
// endpoint when one is configured so browsers can reach them.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := newS3Client(cfg, endpointURL(opts.Endpoint, opts.UseHTTPS))
	presignClient := client
	if opts.ExternalEndpoint != "" {
		presignClient = newS3Client(cfg, endpointURL(opts.ExternalEndpoint, opts.ExternalUseHTTPS))
	}
	return newS3Backend(client, presignClient, opts.Bucket), nil
}

func newS3Client(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
}

func newS3Backend(client, presignClient *s3.Client, bucket string) *S3 {
	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(presignClient),
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// mapS3Error translates SDK errors into the storage error kinds.
func mapS3Error(key string, err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return notFound(key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return notFound(key)
		}
	}
	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if errors.As(err, &sendErr) || errors.As(err, &netErr) {
		return fmt.Errorf("object %s: %w: %v", key, apperr.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("object %s: %w: %v", key, apperr.ErrStorage, err)
}

func (b *S3) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key = Clean(key)
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return "", mapS3Error(key, err)
	}
	return key, nil
}

func (b *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = Clean(key)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(key, err)
	}
	return out.Body, nil
}

func (b *S3) Stat(ctx context.Context, key string) (*Stat, error) {
	key = Clean(key)
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(key, err)
	}
	st := &Stat{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		st.LastModified = *out.LastModified
	}
	return st, nil
}

func (b *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Stat(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *S3) Delete(ctx context.Context, key string) error {
	key = Clean(key)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return mapS3Error(key, err)
}

func (b *S3) List(ctx context.Context, prefix string, recursive bool) ([]string, []string, error) {
	prefix = Dir(prefix)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var dirs, files []string
	pager := s3.NewListObjectsV2Paginator(b.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, mapS3Error(prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			dirs = append(dirs, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/"))
		}
		for _, obj := range page.Contents {
			files = append(files, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return dirs, files, nil
}

func (b *S3) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	key = Clean(key)
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapS3Error(key, err)
	}
	return req.URL, nil
}

func (b *S3) SupportsChunks() bool { return true }

// Compose assembles parts into dst with a multipart upload whose parts are
// server-side copies. The multipart upload is aborted on failure.
func (b *S3) Compose(ctx context.Context, dst string, parts []string, contentType string) error {
	dst = Clean(dst)
	create := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(dst),
	}
	if contentType != "" {
		create.ContentType = aws.String(contentType)
	}
	mpu, err := b.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return mapS3Error(dst, err)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for i, part := range parts {
		n := int32(i + 1)
		out, err := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(b.bucket),
			Key:        aws.String(dst),
			UploadId:   mpu.UploadId,
			PartNumber: aws.Int32(n),
			CopySource: aws.String(url.PathEscape(b.bucket) + "/" + escapeKey(Clean(part))),
		})
		if err != nil {
			b.abortMultipart(dst, mpu.UploadId)
			return mapS3Error(part, err)
		}
		var etag *string
		if out.CopyPartResult != nil {
			etag = out.CopyPartResult.ETag
		}
		completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(n)})
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(dst),
		UploadId:        mpu.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		b.abortMultipart(dst, mpu.UploadId)
		return mapS3Error(dst, err)
	}
	return nil
}

func (b *S3) abortMultipart(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
