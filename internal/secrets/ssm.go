// Package secrets reads runtime secrets (the content admin token) from SSM
// Parameter Store and caches them so rotation takes effect without a restart.
package secrets

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

// DefaultTTL is how long a fetched value is served before the next lookup.
const DefaultTTL = 5 * time.Minute

// SSMAPI is the slice of the SSM client this package uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FetchParameter reads a (SecureString) parameter, trimmed. Empty values are errors.
func FetchParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

type ParameterOptions struct {
	Logger log.Logger
	TTL    time.Duration
	// Now is for tests
	Now func() time.Time
}

// Parameter is a cached SSM parameter. Concurrent misses share one lookup,
// and a failed refresh keeps serving the last good value.
type Parameter struct {
	client SSMAPI
	name   string
	ttl    time.Duration
	now    func() time.Time
	logger log.Logger

	group singleflight.Group

	mu        sync.RWMutex
	value     string
	fetchedAt time.Time
}

func NewParameter(client SSMAPI, name string, opts ParameterOptions) (*Parameter, error) {
	if client == nil {
		return nil, xerrors.New("ssm client is required")
	}
	if name == "" {
		return nil, xerrors.New("parameter name is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Parameter{
		client: client,
		name:   name,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}, nil
}

// Value returns the cached value, refreshing it once the TTL has passed.
func (p *Parameter) Value(ctx context.Context) (string, error) {
	p.mu.RLock()
	v, at := p.value, p.fetchedAt
	p.mu.RUnlock()
	if v != "" && p.now().Sub(at) < p.ttl {
		return v, nil
	}

	res, err, _ := p.group.Do(p.name, func() (any, error) {
		// detach so one caller's cancellation doesn't fail everyone sharing the flight
		fresh, err := FetchParameter(context.WithoutCancel(ctx), p.client, p.name)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.value, p.fetchedAt = fresh, p.now()
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if v != "" {
			p.logger.Warn(ctx, "ssm refresh failed, serving cached value", "param", p.name, "err", err)
			return v, nil
		}
		return "", err
	}
	return res.(string), nil
}

// Check is a readiness probe: the parameter must be readable at least once.
func (p *Parameter) Check(ctx context.Context) error {
	_, err := p.Value(ctx)
	return err
}
