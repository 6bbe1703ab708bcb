// Package s3 implements the S3-compatible transporter.
//
// Grounded on _examples/rclone-rclone/backend/s3/s3.go's session/client
// construction (region, endpoint, access/secret key settings) and on
// _examples/original_source/fileconveyor/transporters/transporter_cumulus.py's
// settings contract (access key, secret key, bucket, optional
// CloudFront/custom URL), using github.com/aws/aws-sdk-go, the same SDK
// the teacher's backend wraps.
package s3

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/pacer"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

func init() {
	transporter.Register("S3", New)
}

type backend struct {
	client   *s3.S3
	bucket   string
	basePath string
	url      string
}

// New constructs the S3 transporter from server.Settings: accessKey,
// secretKey, bucket, region, endpoint (optional, for S3-compatible
// providers), path (optional key prefix), url (public base URL).
func New(server model.Server) (transporter.Transporter, error) {
	bucket := server.Settings["bucket"]
	if bucket == "" {
		return nil, errors.Wrap(transporter.ErrConnection, "s3: bucket setting is required")
	}
	region := server.Settings["region"]
	if region == "" {
		region = "us-east-1"
	}
	cfg := aws.NewConfig().WithRegion(region)
	if ak, sk := server.Settings["accessKey"], server.Settings["secretKey"]; ak != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(ak, sk, ""))
	}
	if ep := server.Settings["endpoint"]; ep != "" {
		cfg = cfg.WithEndpoint(ep).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}
	client := s3.New(sess)

	// Verify the bucket is reachable at construction time (spec.md
	// §4.7: unavailable destination is a fatal configuration problem).
	if _, err := client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, errors.Wrap(transporter.ErrConnection, err.Error())
	}

	b := &backend{
		client:   client,
		bucket:   bucket,
		basePath: server.Settings["path"],
		url:      server.Settings["url"],
	}
	w := transporter.NewWorker(b, pacer.New(pacer.RetriesOption(3)), "transporter-s3")
	w.Start()
	return w, nil
}

func (b *backend) key(dstRel string) string {
	if b.basePath == "" {
		return dstRel
	}
	return strings.TrimSuffix(b.basePath, "/") + "/" + dstRel
}

func (b *backend) Exists(ctx context.Context, dstRel string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(dstRel)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (b *backend) Store(ctx context.Context, srcAbs, dstRel string) error {
	f, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(dstRel)),
		Body:   f,
	})
	return err
}

func (b *backend) Remove(ctx context.Context, dstRel string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(dstRel)),
	})
	// S3 DeleteObject does not error on a missing key, matching the
	// "no error if absent" DELETE semantics of spec.md §4.7.
	return err
}

func (b *backend) URL(dstRel string) string {
	if b.url != "" {
		return strings.TrimSuffix(b.url, "/") + "/" + b.key(dstRel)
	}
	return "https://" + b.bucket + ".s3.amazonaws.com/" + b.key(dstRel)
}
