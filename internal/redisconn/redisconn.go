// Package redisconn opens the Redis clients shared by the stream job source
// and the attempt ledger. A single address yields a plain client, several
// yield a cluster client, and a master name selects Sentinel failover.
package redisconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNoAddress is returned when no usable address was configured.
var ErrNoAddress = errors.New("redis address is required")

type TLSOptions struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	// InsecureSkipVerify disables certificate checks. Development only.
	InsecureSkipVerify bool
}

func (o TLSOptions) enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.KeyFile != "" || o.InsecureSkipVerify
}

type Options struct {
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          TLSOptions
}

// Addresses returns the configured addresses trimmed, without blanks or
// duplicates.
func (o Options) Addresses() []string {
	seen := make(map[string]struct{}, len(o.Addrs))
	out := make([]string, 0, len(o.Addrs))
	for _, addr := range o.Addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// Dial builds a client and pings it. The client is closed again when the
// ping fails.
func Dial(ctx context.Context, opts Options) (redis.UniversalClient, error) {
	addrs := opts.Addresses()
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	tlsCfg, err := opts.TLS.config()
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DB:           opts.DB,
		MasterName:   strings.TrimSpace(opts.MasterName),
		Username:     strings.TrimSpace(opts.Username),
		Password:     opts.Password,
		TLSConfig:    tlsCfg,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", strings.Join(addrs, ","), err)
	}
	return client, nil
}

func (o TLSOptions) config() (*tls.Config, error) {
	if !o.enabled() {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec // opt-in for local clusters
	}
	if o.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(o.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis ca bundle %s holds no certificates", o.CAFile)
		}
		cfg.RootCAs = roots
	}
	if o.CertFile != "" || o.KeyFile != "" {
		if o.CertFile == "" || o.KeyFile == "" {
			return nil, errors.New("redis client certificate needs both cert and key files")
		}
		pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
