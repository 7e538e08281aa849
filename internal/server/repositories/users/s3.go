package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dmitrijs2005/gophmsn/internal/common"
	"github.com/dmitrijs2005/gophmsn/internal/server/models"
)

// S3API is the part of *s3.Client the repository needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Repository stores each user as a JSON object named
// <prefix>/<escaped username>.json. S3 has no multi-object transactions, so
// Save writes records one by one and stops at the first failure.
type S3Repository struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Repository(client S3API, bucket, prefix string) *S3Repository {
	return &S3Repository{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (r *S3Repository) key(username string) string {
	return path.Join(r.prefix, url.PathEscape(username)+".json")
}

func (r *S3Repository) listPrefix() string {
	if r.prefix == "" {
		return ""
	}
	return r.prefix + "/"
}

func (r *S3Repository) Load(ctx context.Context) (map[string]*models.User, error) {
	out := map[string]*models.User{}

	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.listPrefix()),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			u, err := r.fetch(ctx, key)
			if err != nil {
				return nil, err
			}
			out[u.Username] = u
		}
	}
	return out, nil
}

func (r *S3Repository) fetch(ctx context.Context, key string) (*models.User, error) {
	res, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	u := &models.User{}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	u.Normalize()
	return u, nil
}

func (r *S3Repository) Get(ctx context.Context, username string) (*models.User, error) {
	return r.fetch(ctx, r.key(username))
}

func (r *S3Repository) Save(ctx context.Context, users ...*models.User) error {
	for _, u := range users {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode %s: %w", u.Username, err)
		}
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(r.bucket),
			Key:         aws.String(r.key(u.Username)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("s3 put %s: %w", u.Username, err)
		}
	}
	return nil
}

func (r *S3Repository) Delete(ctx context.Context, usernames ...string) error {
	for _, name := range usernames {
		_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key(name)),
		})
		if err != nil {
			return fmt.Errorf("s3 delete %s: %w", name, err)
		}
	}
	return nil
}
