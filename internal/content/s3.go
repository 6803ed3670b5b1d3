package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

// maxOverridesSize caps the object size in both directions
const maxOverridesSize = 4 << 20

// ErrOverridesTooLarge means the stored document is over maxOverridesSize. The
// object is left alone, it is not corrupt.
var ErrOverridesTooLarge = fmt.Errorf("content overrides exceed %d bytes", maxOverridesSize)

// S3API is the subset of *s3.Client the store uses
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3StoreOptions struct {
	Logger log.Logger

	Bucket string
	Key    string

	// Client overrides the client built from AWSConfig, used by tests
	Client S3API
	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	OnRecover func(reason string)
}

// S3Store keeps the override document in one S3 object, shared by every instance
type S3Store struct {
	client    S3API
	bucket    string
	key       string
	logger    log.Logger
	onRecover func(string)
	init      singleflight.Group
}

var _ Store = (*S3Store)(nil)

func NewS3Store(ctx context.Context, opts S3StoreOptions) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("content: S3 Bucket is required")
	}
	if opts.Key == "" {
		opts.Key = FileName
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}
	return &S3Store{
		client:    client,
		bucket:    opts.Bucket,
		key:       opts.Key,
		logger:    opts.Logger,
		onRecover: opts.OnRecover,
	}, nil
}

func (s *S3Store) uri() string { return "s3://" + s.bucket + "/" + s.key }

func (s *S3Store) ReadOverrides(ctx context.Context) (Overrides, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if !errors.As(err, &nsk) {
			return nil, xerrors.Wrapf(err, "get S3 object %s", s.uri())
		}
		if err := s.create(ctx); err != nil {
			return nil, err
		}
		return Overrides{}, nil
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxOverridesSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object %s", s.uri())
	}
	if len(b) > maxOverridesSize {
		return nil, xerrors.Wrapf(ErrOverridesTooLarge, "read S3 object %s", s.uri())
	}
	o, err := decodeOverrides(b)
	if err != nil {
		s.logger.Warn(ctx, "content overrides object is corrupt, resetting to empty",
			"uri", s.uri(),
			"error", err,
		)
		if err := s.put(ctx, emptyDocument, false); err != nil {
			return nil, err
		}
		s.recovered(RecoverCorrupt)
		return Overrides{}, nil
	}
	return o, nil
}

func (s *S3Store) WriteOverrides(ctx context.Context, o Overrides) error {
	b, err := encodeOverrides(o)
	if err != nil {
		return xerrors.Wrap(err, "encode content overrides")
	}
	if len(b) > maxOverridesSize {
		return xerrors.Wrapf(ErrOverridesTooLarge, "write S3 object %s", s.uri())
	}
	return s.put(ctx, b, false)
}

// create writes an empty document only if the object still doesn't exist, so a
// racing writer from another instance is never clobbered
func (s *S3Store) create(ctx context.Context) error {
	_, err, _ := s.init.Do(s.key, func() (any, error) {
		err := s.put(ctx, emptyDocument, true)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "created empty content overrides object", "uri", s.uri())
		s.recovered(RecoverMissing)
		return nil, nil
	})
	return err
}

func (s *S3Store) put(ctx context.Context, body []byte, ifAbsent bool) error {
	in := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(s.key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("no-store"),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put S3 object %s", s.uri())
	}
	return nil
}

func (s *S3Store) recovered(reason string) {
	if s.onRecover != nil {
		s.onRecover(reason)
	}
}
