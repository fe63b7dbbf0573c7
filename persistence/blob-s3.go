/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package persistence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 layout:
//  - object:   <prefix>/<blob key>
//
// URIs look like s3://bucket/prefix?region=...&endpoint=...&path_style=1
// with credentials in the userinfo part or taken from the environment.

type S3Factory struct {
	AccessKeyID     string // AWS or S3-compatible access key
	SecretAccessKey string // AWS or S3-compatible secret key
	Region          string // AWS region (e.g., "us-east-1")
	Endpoint        string // Custom endpoint for S3-compatible storage (MinIO, etc.)
	Bucket          string // S3 bucket name
	Prefix          string // Object key prefix
	ForcePathStyle  bool   // Use path-style URLs (required for MinIO)
}

type S3Blob struct {
	factory *S3Factory
	prefix  string

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func NewS3Blob(f *S3Factory) *S3Blob {
	pfx := strings.Trim(f.Prefix, "/")
	return &S3Blob{factory: f, prefix: pfx}
}

func init() {
	RegisterBlobScheme("s3", func(u *url.URL) (Blob, error) {
		f := &S3Factory{
			Bucket:         u.Host,
			Prefix:         u.Path,
			Region:         u.Query().Get("region"),
			Endpoint:       u.Query().Get("endpoint"),
			ForcePathStyle: u.Query().Get("path_style") != "",
		}
		if u.User != nil {
			f.AccessKeyID = u.User.Username()
			f.SecretAccessKey, _ = u.User.Password()
		}
		return NewS3Blob(f), nil
	})
}

func (b *S3Blob) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}

	ctx := context.Background()

	var opts []func(*config.LoadOptions) error
	if b.factory.Region != "" {
		opts = append(opts, config.WithRegion(b.factory.Region))
	}
	if b.factory.AccessKeyID != "" && b.factory.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				b.factory.AccessKeyID,
				b.factory.SecretAccessKey,
				"", // session token
			),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}

	var s3Opts []func(*s3.Options)
	if b.factory.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(b.factory.Endpoint)
		})
	}
	if b.factory.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b.client = s3.NewFromConfig(cfg, s3Opts...)
	b.opened = true
	return nil
}

func (b *S3Blob) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3Blob) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *S3Blob) Set(ctx context.Context, key string, value []byte) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	return err
}

func (b *S3Blob) Delete(ctx context.Context, key string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	return err
}

func (b *S3Blob) List(ctx context.Context, prefix string, f func(key string)) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	full := b.objectKey(prefix)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.factory.Bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}
			f(key)
		}
	}
	return nil
}
