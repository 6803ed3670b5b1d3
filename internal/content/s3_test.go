package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory bucket honoring If-None-Match: *
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	getErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[k]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[k] = b
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func newTestS3Store(t *testing.T, client S3API, rec *recorder) *S3Store {
	t.Helper()
	s, err := NewS3Store(context.Background(), S3StoreOptions{
		Bucket:    "site-content",
		Key:       "content/content-overrides.json",
		Client:    client,
		OnRecover: rec.onRecover,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

const objKey = "site-content/content/content-overrides.json"

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3StoreOptions{Client: newFakeS3()}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestS3Store_MissingObjectCreatesEmpty(t *testing.T) {
	fake := newFakeS3()
	rec := &recorder{}
	s := newTestS3Store(t, fake, rec)

	o, err := s.ReadOverrides(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(o) != 0 {
		t.Fatalf("overrides = %v", o)
	}
	if string(fake.objects[objKey]) != "{}\n" {
		t.Fatalf("object = %q", fake.objects[objKey])
	}
	if aws.ToString(fake.puts[0].ContentType) != "application/json" {
		t.Fatal("object should be stored as application/json")
	}
	if !reflect.DeepEqual(rec.recovered, []string{RecoverMissing}) {
		t.Fatalf("recovered = %v", rec.recovered)
	}
}

func TestS3Store_CreateLosesRace(t *testing.T) {
	fake := newFakeS3()
	fake.objects[objKey] = []byte(`{"en":{"a":1}}`)
	rec := &recorder{}
	s := newTestS3Store(t, fake, rec)

	// another instance created the object between our get and put
	if err := s.create(context.Background()); err != nil {
		t.Fatalf("precondition failure should be ignored: %v", err)
	}
	if string(fake.objects[objKey]) != `{"en":{"a":1}}` {
		t.Fatal("existing object must not be overwritten")
	}
	if len(rec.recovered) != 0 {
		t.Fatalf("recovered = %v", rec.recovered)
	}
}

func TestS3Store_CorruptObjectResets(t *testing.T) {
	fake := newFakeS3()
	fake.objects[objKey] = []byte("<html>oops</html>")
	rec := &recorder{}
	s := newTestS3Store(t, fake, rec)

	o, err := s.ReadOverrides(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(o) != 0 || string(fake.objects[objKey]) != "{}\n" {
		t.Fatalf("overrides = %v object = %q", o, fake.objects[objKey])
	}
	if !reflect.DeepEqual(rec.recovered, []string{RecoverCorrupt}) {
		t.Fatalf("recovered = %v", rec.recovered)
	}
}

func TestS3Store_OversizeObjectKept(t *testing.T) {
	fake := newFakeS3()
	// valid JSON, just past the limit
	big := `{"en":{"blob":"` + strings.Repeat("x", maxOverridesSize) + `"}}`
	fake.objects[objKey] = []byte(big)
	rec := &recorder{}
	s := newTestS3Store(t, fake, rec)

	_, err := s.ReadOverrides(context.Background())
	if !errors.Is(err, ErrOverridesTooLarge) {
		t.Fatalf("err = %v, want ErrOverridesTooLarge", err)
	}
	if string(fake.objects[objKey]) != big {
		t.Fatal("oversize object must not be reset")
	}
	if len(fake.puts) != 0 || len(rec.recovered) != 0 {
		t.Fatalf("puts = %d recovered = %v", len(fake.puts), rec.recovered)
	}
}

func TestS3Store_OversizeWriteRejected(t *testing.T) {
	fake := newFakeS3()
	fake.objects[objKey] = []byte(`{"en":{"a":1}}`)
	s := newTestS3Store(t, fake, &recorder{})

	o := Overrides{LocaleEN: Document{"blob": strings.Repeat("x", maxOverridesSize)}}
	if err := s.WriteOverrides(context.Background(), o); !errors.Is(err, ErrOverridesTooLarge) {
		t.Fatalf("err = %v, want ErrOverridesTooLarge", err)
	}
	if string(fake.objects[objKey]) != `{"en":{"a":1}}` {
		t.Fatal("existing object must be untouched")
	}
}

func TestS3Store_WriteThenRead(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, &recorder{})
	ctx := context.Background()

	want := Overrides{LocaleES: Document{"hero": map[string]any{"headline": "Hola"}}}
	if err := s.WriteOverrides(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadOverrides(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if fake.puts[0].IfNoneMatch != nil {
		t.Fatal("regular writes must be unconditional")
	}
}

func TestS3Store_OtherErrorsPropagate(t *testing.T) {
	fake := newFakeS3()
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	fake.getErr = denied
	s := newTestS3Store(t, fake, &recorder{})

	_, err := s.ReadOverrides(context.Background())
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
	if len(fake.puts) != 0 {
		t.Fatal("nothing should be written on a non-missing error")
	}
}
