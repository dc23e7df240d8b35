package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bamsammich/stratus/internal/config"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	defaultRemoteKind       = "http"
	defaultRetryMax         = 3
	defaultWorkers          = 2
	defaultChunkConcurrency = 4
	defaultMaxChunkAttempts = 5
	defaultMaxTaskAttempts  = 3
	defaultRequestTimeout   = "30s"
	defaultChunkSize        = "8MiB"
	defaultPolicy           = "rename"
	defaultInterval         = "5m"
)

// options holds raw flag values. Subcommands bind their own flags into the
// same struct.
type options struct {
	configFile string
	stateDB    string
	logFile    string
	verbose    bool
	quiet      bool

	remoteKind string
	endpoint   string
	token      string
	retryMax   int
	bucket     string
	region     string
	prefix     string
	pathStyle  bool

	workers          int
	chunkConcurrency int
	maxChunkAttempts int
	maxTaskAttempts  int
	requestTimeout   string
	bwLimit          string
	sshKey           string

	// enqueue
	name      string
	chunkSize string
	policy    string
	detach    bool

	// daemon
	interval string

	// list
	files string
}

// remoteSettings selects and configures the transport.
type remoteSettings struct {
	Kind            string
	Endpoint        string
	Token           string
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	RetryMax        int
	PathStyle       bool
}

// account identifies the remote for task ids. Credentials are left out so
// rotating a token does not orphan pending uploads.
func (r remoteSettings) account() string {
	if r.Kind == "s3" {
		return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Prefix)
	}
	return r.Endpoint
}

// settings are the effective values after merging flags over the config
// file over built-in defaults.
type settings struct {
	Remote           remoteSettings
	StateDB          string
	ChunkSize        int64
	BWLimit          int64
	RequestTimeout   time.Duration
	Interval         time.Duration
	Workers          int
	ChunkConcurrency int
	MaxChunkAttempts int
	MaxTaskAttempts  int
	Policy           task.Policy
}

// pick returns the flag value when it was set explicitly, else the config
// file value when present, else the flag default.
func pick[T any](flags *pflag.FlagSet, name string, flagVal T, fileVal *T) T {
	if !flags.Changed(name) && fileVal != nil {
		return *fileVal
	}
	return flagVal
}

func orEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func resolveSettings(flags *pflag.FlagSet, o *options, cfg config.Config) (settings, error) {
	up, rc := cfg.Upload, cfg.Remote
	s := settings{
		StateDB:          pick(flags, "state", o.stateDB, cfg.State.DB),
		Workers:          pick(flags, "workers", o.workers, up.Workers),
		ChunkConcurrency: pick(flags, "chunk-concurrency", o.chunkConcurrency, up.ChunkConcurrency),
		MaxChunkAttempts: pick(flags, "max-chunk-attempts", o.maxChunkAttempts, up.MaxChunkAttempts),
		MaxTaskAttempts:  pick(flags, "max-task-attempts", o.maxTaskAttempts, up.MaxTaskAttempts),
		Remote: remoteSettings{
			Kind:            pick(flags, "remote", o.remoteKind, rc.Kind),
			Endpoint:        pick(flags, "endpoint", o.endpoint, rc.Endpoint),
			Token:           pick(flags, "token", o.token, rc.Token),
			RetryMax:        pick(flags, "retry-max", o.retryMax, rc.RetryMax),
			Bucket:          pick(flags, "bucket", o.bucket, rc.Bucket),
			Region:          pick(flags, "region", o.region, rc.Region),
			Prefix:          pick(flags, "prefix", o.prefix, rc.Prefix),
			PathStyle:       pick(flags, "path-style", o.pathStyle, rc.PathStyle),
			AccessKeyID:     orEmpty(rc.AccessKeyID),
			SecretAccessKey: orEmpty(rc.SecretAccessKey),
		},
	}
	if s.StateDB == "" {
		s.StateDB = config.DefaultStatePath()
	}

	var err error
	chunkSize := pick(flags, "chunk-size", orDefault(o.chunkSize, defaultChunkSize), up.ChunkSize)
	if s.ChunkSize, err = config.ParseSize(chunkSize); err != nil {
		return settings{}, fmt.Errorf("invalid chunk size: %w", err)
	}
	if bw := pick(flags, "bwlimit", o.bwLimit, up.BWLimit); bw != "" {
		if s.BWLimit, err = config.ParseSize(bw); err != nil {
			return settings{}, fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	timeout := pick(flags, "timeout", orDefault(o.requestTimeout, defaultRequestTimeout), up.RequestTimeout)
	if s.RequestTimeout, err = time.ParseDuration(timeout); err != nil {
		return settings{}, fmt.Errorf("invalid --timeout: %w", err)
	}
	interval := pick(flags, "interval", orDefault(o.interval, defaultInterval), cfg.Daemon.Interval)
	if s.Interval, err = time.ParseDuration(interval); err != nil || s.Interval <= 0 {
		return settings{}, fmt.Errorf("invalid --interval %q: %w", interval, uperr.ErrInvalidConfiguration)
	}
	policy := pick(flags, "policy", orDefault(o.policy, defaultPolicy), up.Policy)
	if s.Policy, err = task.ParsePolicy(policy); err != nil {
		return settings{}, err
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// validateRemote checks the settings a transport needs before any network
// call is made.
func validateRemote(r remoteSettings) error {
	switch r.Kind {
	case "http":
		if r.Endpoint == "" {
			return fmt.Errorf("--endpoint is required for the http remote: %w", uperr.ErrInvalidConfiguration)
		}
	case "s3":
		if r.Bucket == "" || r.Region == "" {
			return fmt.Errorf("--bucket and --region are required for the s3 remote: %w", uperr.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("unknown remote kind %q (use http or s3): %w", r.Kind, uperr.ErrInvalidConfiguration)
	}
	return nil
}
