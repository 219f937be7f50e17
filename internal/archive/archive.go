/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archive keeps write-once copies of evidence artifacts in S3 object-lock buckets.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectPutter is the slice of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archive struct {
	client    ObjectPutter
	bucket    string
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// New connects to S3 with the static credentials from cfg. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func New(ctx context.Context, cfg config.EvidenceConfig) (*Archive, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("evidence archive requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.AwsAccessKeyId != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.S3Bucket, cfg.S3Prefix, time.Duration(cfg.RetentionDays)*24*time.Hour), nil
}

func NewWithClient(client ObjectPutter, bucket, prefix string, retention time.Duration) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix, retention: retention, now: time.Now}
}

func (a *Archive) key(artifact *model.EvidenceArtifact) string {
	return fmt.Sprintf("%s%s/%s.json", a.prefix, artifact.OrgID, artifact.ID)
}

// Put stores the artifact payload under compliance-mode retention and returns its s3:// locator.
func (a *Archive) Put(ctx context.Context, artifact *model.EvidenceArtifact) (string, error) {
	key := a.key(artifact)
	input := &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(artifact.Payload),
		ContentType:       aws.String("application/json"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata: map[string]string{
			"sha256": artifact.SHA256,
			"kind":   artifact.Kind,
		},
	}
	if a.retention > 0 {
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(a.now().Add(a.retention))
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put evidence %s: %w", artifact.ID, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
