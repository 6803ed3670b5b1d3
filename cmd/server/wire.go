package main

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/portfolio-web/internal/cfg"
	"github.com/keithlinneman/portfolio-web/internal/content"
	"github.com/keithlinneman/portfolio-web/internal/contenthttp"
	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/metrics"
	"github.com/keithlinneman/portfolio-web/internal/ratelimit"
	"github.com/keithlinneman/portfolio-web/internal/secrets"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

// awsLoader loads the default AWS config once, only when a backend needs it
type awsLoader struct {
	once sync.Once
	cfg  aws.Config
	err  error
}

func newAWSLoader() *awsLoader { return &awsLoader{} }

func (a *awsLoader) load(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		a.cfg, a.err = config.LoadDefaultConfig(ctx)
		if a.err != nil {
			a.err = xerrors.Wrap(a.err, "load AWS config")
		}
	})
	return a.cfg, a.err
}

func newContentStore(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics, a *awsLoader) (content.Store, error) {
	switch conf.ContentBackend {
	case "s3":
		awsCfg, err := a.load(ctx)
		if err != nil {
			return nil, err
		}
		return content.NewS3Store(ctx, content.S3StoreOptions{
			Logger:    L,
			Bucket:    conf.ContentS3Bucket,
			Key:       conf.ContentS3Key,
			AWSConfig: &awsCfg,
			OnRecover: m.IncContentRecovered,
		})
	default:
		return content.NewFileStore(content.FileStoreOptions{
			Logger:      L,
			Dir:         conf.DataDir,
			FallbackDir: conf.FallbackDir,
			OnRecover:   m.IncContentRecovered,
			OnFallback: func(path string) {
				m.SetContentFallbackActive(true)
			},
		})
	}
}

// newLimiterStore returns the store and a func releasing its connections
func newLimiterStore(conf cfg.App) (ratelimit.Store, func()) {
	switch conf.RateLimitBackend {
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{conf.RedisAddr},
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		return ratelimit.NewRedisStore(rdb, conf.RedisPrefix), func() { _ = rdb.Close() }
	default:
		return ratelimit.NewMemoryStore(), func() {}
	}
}

// newAuthorizer picks the admin token source. With neither a token nor a
// parameter configured updates stay disabled.
func newAuthorizer(ctx context.Context, conf cfg.App, L log.Logger, a *awsLoader) (contenthttp.Authorizer, error) {
	if conf.AdminTokenParam == "" {
		return contenthttp.BearerToken(conf.AdminToken), nil
	}
	awsCfg, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	param, err := secrets.NewParameter(ssm.NewFromConfig(awsCfg), conf.AdminTokenParam, secrets.ParameterOptions{Logger: L})
	if err != nil {
		return nil, err
	}
	// warm the cache, a failure here only means the first update pays for the lookup
	if err := param.Check(ctx); err != nil {
		L.Warn(ctx, "admin token parameter not readable yet", "param", conf.AdminTokenParam, "error", err.Error())
	}
	return contenthttp.BearerTokenFrom(param.Value), nil
}
