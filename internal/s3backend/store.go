package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kenchrcum/vaultbackup/internal/pipeline"
)

// Config names everything NewClient needs to reach one S3-compatible
// bucket. Endpoint/Region are resolved against KnownProviders when left
// blank (see ResolveEndpointRegion).
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// NewClient builds an *s3.Client for cfg, resolving provider defaults and
// forcing path-style addressing when the provider needs it (most
// S3-compatible-but-not-AWS providers do).
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	endpoint, region, err := ResolveEndpointRegion(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3backend: load AWS config: %w", err)
	}
	pathStyle := RequiresPathStyleAddressing(cfg.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
	})
	return client, nil
}

// Store implements a pipeline.Store-compatible interface (EXISTS/WRITE/READ
// by content digest) over one S3 bucket. The METADATA partition the native
// protocol expresses as a wire flag becomes a key prefix here instead: one
// Store value always addresses one partition, exactly as
// internal/chunkproto.Store does.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewStore constructs a Store. prefix namespaces keys within bucket — e.g.
// "chunks/" for content-addressed chunk data, "manifests/" for named
// manifest objects.
func NewStore(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(digest [20]byte) string {
	return fmt.Sprintf("%s%x", s.prefix, digest)
}

// SubmitExists issues a HEAD request for digest's object.
func (s *Store) SubmitExists(ctx context.Context, digest [20]byte, done func(exists bool, err error)) {
	go func() {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
		})
		if err == nil {
			done(true, nil)
			return
		}
		if isNotFound(err) {
			done(false, nil)
			return
		}
		done(false, fmt.Errorf("s3backend: HeadObject %s: %w", s.key(digest), err))
	}()
}

// SubmitWrite uploads payload under digest's key, unless an object is
// already present (content-addressed storage makes this check-then-put
// race-safe in practice: a racing writer uploads identical bytes under the
// identical key).
func (s *Store) SubmitWrite(ctx context.Context, digest [20]byte, payload []byte, done func(alreadyStored bool, err error)) {
	go func() {
		_, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
		})
		if headErr == nil {
			done(true, nil)
			return
		}
		if !isNotFound(headErr) {
			done(false, fmt.Errorf("s3backend: HeadObject %s: %w", s.key(digest), headErr))
			return
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			done(false, fmt.Errorf("s3backend: PutObject %s: %w", s.key(digest), err))
			return
		}
		done(false, nil)
	}()
}

// SubmitRead downloads digest's object in full.
func (s *Store) SubmitRead(ctx context.Context, digest [20]byte, done func(data []byte, err error)) {
	go func() {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(digest)),
		})
		if err != nil {
			if isNotFound(err) {
				done(nil, fmt.Errorf("s3backend: object %s does not exist: %w", s.key(digest), pipeline.ErrChunkNotFound))
				return
			}
			done(nil, fmt.Errorf("s3backend: GetObject %s: %w", s.key(digest), err))
			return
		}
		defer result.Body.Close()
		data, err := io.ReadAll(result.Body)
		if err != nil {
			done(nil, fmt.Errorf("s3backend: read body of %s: %w", s.key(digest), err))
			return
		}
		done(data, nil)
	}()
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

// ManifestStore addresses named manifest objects directly by key, unlike
// Store's content-addressed digest keys: an S3 backend has no server-side
// naming/lifecycle protocol to bracket a sequential chunked transfer
// against (spec §4.7's control subprotocol has nothing on the other end to
// speak to), so a manifest's bytes travel as one whole object instead of
// going through internal/control.Transfer's block-indexed WRITE/READ loop.
type ManifestStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewManifestStore constructs a ManifestStore. prefix namespaces manifest
// object keys within bucket, distinct from Store's content-addressed
// "chunks/" prefix — e.g. "manifests/".
func NewManifestStore(client *s3.Client, bucket, prefix string) *ManifestStore {
	return &ManifestStore{client: client, bucket: bucket, prefix: prefix}
}

// Push uploads data as the manifest object named name.
func (m *ManifestStore) Push(ctx context.Context, name string, data []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.prefix + name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3backend: PutObject %s%s: %w", m.prefix, name, err)
	}
	return nil
}

// Pull downloads the manifest object named name in full.
func (m *ManifestStore) Pull(ctx context.Context, name string) ([]byte, error) {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.prefix + name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3backend: manifest object %s%s does not exist: %w", m.prefix, name, pipeline.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("s3backend: GetObject %s%s: %w", m.prefix, name, err)
	}
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3backend: read body of %s%s: %w", m.prefix, name, err)
	}
	return data, nil
}
