package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qualys/dbcompliance/internal/reports"
)

type mockPutter struct {
	mock.Mock
	body []byte
}

func (m *mockPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType))
	if in.Body != nil {
		m.body, _ = io.ReadAll(in.Body)
	}
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func sampleReport() *reports.Report {
	return &reports.Report{
		ID:          "r1",
		Type:        reports.ReportTypeEvidence,
		Format:      reports.FormatJSON,
		GeneratedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Filename:    "evidence_report_20250301_120000.json",
		MimeType:    "application/json",
		Data:        []byte(`{"count":0}`),
	}
}

func TestUpload(t *testing.T) {
	m := new(mockPutter)
	m.On("PutObject", "audit-bucket", "evidence/2025/03/01/evidence_report_20250301_120000.json", "application/json").
		Return(&s3.PutObjectOutput{}, nil)

	a := NewWithClient(m, Config{Bucket: "audit-bucket", Prefix: "evidence/"}, nil)

	loc, err := a.Upload(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "s3://audit-bucket/evidence/2025/03/01/evidence_report_20250301_120000.json", loc)
	assert.Equal(t, `{"count":0}`, string(m.body))
	m.AssertExpectations(t)
}

func TestUploadWithoutPrefix(t *testing.T) {
	a := NewWithClient(new(mockPutter), Config{Bucket: "b"}, nil)
	assert.Equal(t, "2025/03/01/evidence_report_20250301_120000.json", a.Key(sampleReport()))
}

func TestUploadError(t *testing.T) {
	m := new(mockPutter)
	m.On("PutObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

	a := NewWithClient(m, Config{Bucket: "b", Prefix: "x"}, nil)

	_, err := a.Upload(context.Background(), sampleReport())
	assert.ErrorContains(t, err, "access denied")
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, ErrNoBucket)
}
