package storage

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

type S3Provider struct {
	api *s3.S3
}

func NewS3Provider(sess *session.Session) *S3Provider {
	return &S3Provider{api: s3.New(sess)}
}

func (s *S3Provider) Put(bucket, key string, body io.ReadSeeker, contentType string) error {
	_, err := s.api.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	return err
}

func (s *S3Provider) Exists(bucket, key string) (bool, error) {
	_, err := s.api.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}
