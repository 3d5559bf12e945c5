package s3

import (
	"bytes"
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const contentTypeNdjson = "application/x-ndjson"

// NewBasicClient returns a Putter for bucket that writes below prefix.
// Credentials come from the default AWS chain.
func NewBasicClient(bucket, region, prefix string) (Putter, error) {
	awsConfig := aws.NewConfig()
	awsConfig.Region = aws.String(region)
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	return NewBasicClientWithAPI(bucket, prefix, s3.New(sess)), nil
}

// NewBasicClientWithAPI returns a Putter using the supplied S3 API.
func NewBasicClientWithAPI(bucket, prefix string, api s3iface.S3API) Putter {
	return &basicClient{
		bucket: bucket,
		prefix: prefix,
		api:    api,
	}
}

type basicClient struct {
	bucket string
	prefix string
	api    s3iface.S3API
}

func (s *basicClient) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.getKeyWithPrefix(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeNdjson),
	})
	return err
}

func (s *basicClient) getKeyWithPrefix(key string) string {
	if s.prefix != "" {
		return strings.TrimRight(s.prefix, "/") + "/" + key // ensure trailing slash after prefix.
	} else {
		return key
	}
}
