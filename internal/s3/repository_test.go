package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	inputs []*s3manager.UploadInput
	bodies []string
	err    error
}

func (f *fakeUploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, string(b))
	return &s3manager.UploadOutput{}, nil
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(WithRegion("us-east-1"))
	assert.Error(t, err)
}

func TestRepositoryWrite(t *testing.T) {
	repo, err := New(
		WithBucket("harvest"),
		WithRegion("us-east-1"),
		WithPrefix("raw"),
		WithEndpoint("http://localhost:9000"),
		WithForcePathStyle(true),
		WithContentType("application/json"),
	)
	require.NoError(t, err)
	fake := &fakeUploader{}
	repo.uploader = fake

	require.NoError(t, repo.Write(context.Background(), "cred-1/tr/2024-03-01_job-1.json", strings.NewReader("{}")))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "harvest", aws.StringValue(fake.inputs[0].Bucket))
	assert.Equal(t, "raw/cred-1/tr/2024-03-01_job-1.json", aws.StringValue(fake.inputs[0].Key))
	assert.Equal(t, "application/json", aws.StringValue(fake.inputs[0].ContentType))
	assert.Equal(t, "{}", fake.bodies[0])

	fake.err = errors.New("access denied")
	err = repo.Write(context.Background(), "k.json", strings.NewReader("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://harvest/raw/k.json")
}
