package rawstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*params.Key]
	if !ok {
		return nil, &notFoundErr{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "NoSuchKey" }

func TestStore_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := NewWithClient(fake, "inbound-raw", "emails/")

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "em-1", []byte("From: a@b.c\r\n\r\nhello")))
	assert.Contains(t, fake.objects, "emails/em-1.eml")

	raw, err := store.Get(ctx, "em-1")
	require.NoError(t, err)
	assert.Equal(t, "From: a@b.c\r\n\r\nhello", string(raw))

	require.NoError(t, store.Delete(ctx, "em-1"))
	_, err = store.Get(ctx, "em-1")
	assert.Error(t, err)
}

func TestSanitizeKeyComponent(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeKeyComponent(`a/b\c`))
}

const rawWithAttachment = "From: sender@example.com\r\n" +
	"To: support@acme.dev\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"mixed1\"\r\n" +
	"\r\n" +
	"--mixed1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--mixed1\r\n" +
	"Content-Type: application/pdf; name=\"Q3 Report.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"Q3 Report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--mixed1\r\n" +
	"Content-Type: text/csv; name=\"data.csv\"\r\n" +
	"Content-Disposition: attachment; filename=\"data.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n1,2\r\n" +
	"--mixed1--\r\n"

func TestFindAttachment_ByName(t *testing.T) {
	part, err := FindAttachment([]byte(rawWithAttachment), "q3 report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Q3 Report.pdf", part.Filename)
	assert.Equal(t, "application/pdf", part.ContentType)
	// Transfer encoding is decoded by the reader.
	assert.Equal(t, "%PDF-1.4\n", string(part.Content))
}

func TestFindAttachment_SecondAttachment(t *testing.T) {
	part, err := FindAttachment([]byte(rawWithAttachment), "data.csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", part.ContentType)
	assert.Contains(t, string(part.Content), "a,b")
}

func TestFindAttachment_FirstWhenUnnamed(t *testing.T) {
	part, err := FindAttachment([]byte(rawWithAttachment), "")
	require.NoError(t, err)
	assert.Equal(t, "Q3 Report.pdf", part.Filename)
}

func TestFindAttachment_Missing(t *testing.T) {
	_, err := FindAttachment([]byte(rawWithAttachment), "nope.txt")
	assert.ErrorIs(t, err, ErrAttachmentNotFound)
}
