// Package auth validates connection tokens: local JWT verification first,
// backend introspection as fallback. Only locally verified tokens are cached.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"PPGateway/logger"
	"PPGateway/service/backend"
	"PPGateway/tools/errs"
	"PPGateway/tools/safe"
	"PPGateway/tools/security"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Introspector is the remote authority for tokens the gateway cannot verify.
type Introspector interface {
	ValidateToken(ctx context.Context, token string) (*backend.Introspection, error)
}

type Options struct {
	Secret        []byte
	Alg           string
	Issuer        string
	TTL           time.Duration
	CacheSize     int
	SweepInterval time.Duration
	RemoteTimeout time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type Claims struct {
	UserID    string         `mapstructure:"-"`
	Subject   string         `mapstructure:"sub"`
	Issuer    string         `mapstructure:"iss"`
	ExpiresAt int64          `mapstructure:"exp"`
	Source    string         `mapstructure:"-"`
	Raw       map[string]any `mapstructure:"-"`
}

type cacheEntry struct {
	claims *Claims
	expiry time.Time
}

type Validator struct {
	opts   Options
	remote Introspector
	cache  *lru.Cache

	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
}

func NewValidator(opts Options, remote Introspector) (*Validator, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errs.WrapMsg(err, "token cache")
	}
	return &Validator{
		opts:   opts,
		remote: remote,
		cache:  cache,
		stopCh: make(chan struct{}),
	}, nil
}

// Validate returns the claims for token or ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, errs.ErrInvalidToken.WrapMsg("empty token")
	}
	now := v.opts.Now()
	if c, ok := v.lookup(token, now); ok {
		return c, nil
	}

	claims, localErr := v.verifyLocal(token)
	if localErr == nil {
		v.cache.Add(security.HashToken(token), cacheEntry{claims: claims, expiry: now.Add(v.opts.TTL)})
		return claims, nil
	}

	if v.remote == nil {
		return nil, errs.ErrInvalidToken.WrapMsg(localErr.Error())
	}
	claims, remoteErr := v.verifyRemote(ctx, token)
	if remoteErr != nil {
		logger.Debug("token rejected", zap.NamedError("local", localErr), zap.NamedError("remote", remoteErr))
		return nil, errs.ErrInvalidToken.WrapMsg(remoteErr.Error())
	}
	return claims, nil
}

func (v *Validator) lookup(token string, now time.Time) (*Claims, bool) {
	key := security.HashToken(token)
	val, ok := v.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := val.(cacheEntry)
	if !now.Before(e.expiry) {
		v.cache.Remove(key)
		return nil, false
	}
	return e.claims, true
}

func (v *Validator) verifyLocal(token string) (*Claims, error) {
	if len(v.opts.Secret) == 0 {
		return nil, fmt.Errorf("no local secret")
	}
	raw, err := security.Verify(security.Options{Secret: v.opts.Secret, Alg: v.opts.Alg, Issuer: v.opts.Issuer}, token)
	if err != nil {
		return nil, err
	}
	c, err := decodeClaims(raw)
	if err != nil {
		return nil, err
	}
	c.Source = SourceLocal
	return c, nil
}

func (v *Validator) verifyRemote(ctx context.Context, token string) (*Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.RemoteTimeout)
	defer cancel()

	res, err := v.remote.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Valid {
		return nil, fmt.Errorf("backend reported token invalid")
	}
	uid := res.UserID()
	if uid == "" {
		return nil, fmt.Errorf("backend response missing user id")
	}
	return &Claims{UserID: uid, Subject: uid, Source: SourceRemote, Raw: res.User}, nil
}

func decodeClaims(raw map[string]any) (*Claims, error) {
	c := &Claims{Raw: raw}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           c,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(raw)); err != nil {
		return nil, errs.WrapMsg(err, "decode claims")
	}
	for _, k := range []string{"user_id", "sub", "id"} {
		if s := claimString(raw[k]); s != "" {
			c.UserID = s
			break
		}
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("token carries no user id")
	}
	return c, nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

// Start launches the periodic sweep. Safe to call more than once.
func (v *Validator) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return
	}
	v.started = true
	safe.Go("token-sweep", v.sweepLoop)
}

func (v *Validator) sweepLoop() {
	t := time.NewTicker(v.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := v.Sweep(); n > 0 {
				logger.Debugf("token cache sweep removed %d entries", n)
			}
		case <-v.stopCh:
			return
		}
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (v *Validator) Sweep() int {
	now := v.opts.Now()
	n := 0
	for _, k := range v.cache.Keys() {
		val, ok := v.cache.Peek(k)
		if !ok {
			continue
		}
		if !now.Before(val.(cacheEntry).expiry) {
			v.cache.Remove(k)
			n++
		}
	}
	return n
}

func (v *Validator) CacheLen() int { return v.cache.Len() }

func (v *Validator) Close() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}
