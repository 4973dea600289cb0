package snapshot

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// r2Client is a thin wrapper around the S3 API against Cloudflare R2's
// S3-compatible endpoint, scoped to the three operations the backup
// rotation needs: upload, list, delete.
type r2Client struct {
	s3     *s3.Client
	bucket string
	log    zerolog.Logger
}

// newR2Client constructs an r2Client. R2 has no regions, so the SDK is
// configured with a static "auto" region and a per-account endpoint
// instead of the usual AWS region resolution.
func newR2Client(accountID, accessKeyID, secretAccessKey, bucket string, log zerolog.Logger) (*r2Client, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &r2Client{s3: client, bucket: bucket, log: log.With().Str("component", "snapshot.r2").Logger()}, nil
}

func (c *r2Client) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("snapshot: put object %s: %w", key, err)
	}
	return nil
}

func (c *r2Client) List(ctx context.Context, prefix string) ([]s3Object, error) {
	var out []s3Object
	var token *string
	for {
		resp, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot: list objects: %w", err)
		}
		for _, obj := range resp.Contents {
			if obj.Key == nil {
				continue
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, s3Object{Key: *obj.Key, Size: size})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func (c *r2Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("snapshot: delete object %s: %w", key, err)
	}
	return nil
}

// s3Object is the narrow view of a listed object this package needs.
type s3Object struct {
	Key  string
	Size int64
}
