package s3backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3Server is a minimal S3-compatible HTTP server (HEAD/GET/PUT on a
// single path-style bucket) backed by an in-memory map, standing in for a
// real bucket in tests. Only the handful of request shapes Store issues are
// recognized.
type fakeS3Server struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func newFakeS3Server(bucket string) *fakeS3Server {
	return &fakeS3Server{bucket: bucket, objects: make(map[string][]byte)}
}

func (f *fakeS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.bucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestClient(t *testing.T, endpoint string) *s3.Client {
	t.Helper()
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("LoadDefaultConfig: %v", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
}

func TestStoreSubmitExistsMissing(t *testing.T) {
	fake := newFakeS3Server("testbucket")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store := NewStore(newTestClient(t, srv.URL), "testbucket", "chunks/")
	ctx := context.Background()

	var exists bool
	var gotErr error
	done := make(chan struct{})
	store.SubmitExists(ctx, digestOf(1), func(e bool, err error) {
		exists, gotErr = e, err
		close(done)
	})
	<-done

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if exists {
		t.Fatal("expected exists=false for missing object")
	}
}

func TestStoreWriteThenExistsThenRead(t *testing.T) {
	fake := newFakeS3Server("testbucket")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store := NewStore(newTestClient(t, srv.URL), "testbucket", "chunks/")
	ctx := context.Background()
	d := digestOf(2)
	payload := []byte("hello chunk")

	writeDone := make(chan struct{})
	var alreadyStored bool
	store.SubmitWrite(ctx, d, payload, func(already bool, err error) {
		if err != nil {
			t.Errorf("SubmitWrite: %v", err)
		}
		alreadyStored = already
		close(writeDone)
	})
	<-writeDone
	if alreadyStored {
		t.Fatal("first write should not report already stored")
	}

	existsDone := make(chan struct{})
	var exists bool
	store.SubmitExists(ctx, d, func(e bool, err error) {
		exists = e
		close(existsDone)
	})
	<-existsDone
	if !exists {
		t.Fatal("expected exists=true after write")
	}

	readDone := make(chan struct{})
	var gotData []byte
	store.SubmitRead(ctx, d, func(data []byte, err error) {
		if err != nil {
			t.Errorf("SubmitRead: %v", err)
		}
		gotData = data
		close(readDone)
	})
	<-readDone
	if string(gotData) != string(payload) {
		t.Fatalf("read data = %q, want %q", gotData, payload)
	}
}

func TestStoreWriteTwiceReportsAlreadyStored(t *testing.T) {
	fake := newFakeS3Server("testbucket")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store := NewStore(newTestClient(t, srv.URL), "testbucket", "chunks/")
	ctx := context.Background()
	d := digestOf(3)

	first := make(chan struct{})
	store.SubmitWrite(ctx, d, []byte("a"), func(already bool, err error) { close(first) })
	<-first

	second := make(chan struct{})
	var already bool
	store.SubmitWrite(ctx, d, []byte("a"), func(a bool, err error) {
		already = a
		close(second)
	})
	<-second
	if !already {
		t.Fatal("second write of the same digest should report already stored")
	}
}

func digestOf(b byte) [20]byte {
	var d [20]byte
	d[0] = b
	return d
}
