// Package config resolves the reporter configuration from command line flags,
// environment variables, an ini file and compiled-in defaults, in that order
// of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/raphi011/testreport/internal/model"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of all environment variables.
	EnvPrefix = "TESTREPORT_"
	// LegacyEnvPrefix is honoured for every variable not set with EnvPrefix.
	LegacyEnvPrefix = "IBUTSU_"
	// FileName is the name of the ini file looked up in the working directory.
	FileName = "testreport.yaml"
)

type Mode string

const (
	ModeArchive       Mode = "archive"
	ModeObjectStorage Mode = "object-storage"
	ModeRemote        Mode = "remote-service"
)

// Config is the resolved configuration of a session.
type Config struct {
	// Mode selects how runs are delivered. It is empty when reporting is disabled.
	Mode Mode
	// ServerURL is the base url of the reporting service, normalized to end in `/api`.
	ServerURL string
	Token     string
	Source    string
	Project   string
	RunID     string
	Metadata  model.Metadata
	NoArchive bool
	// ArchiveDir is the directory archives are written to.
	ArchiveDir string

	Bucket           string
	S3Endpoint       string
	S3Region         string
	S3ForcePathStyle bool
	// S3AccessKey and S3SecretKey are optional, the default aws credential
	// chain is used when they are empty.
	S3AccessKey string
	S3SecretKey string

	// CABundle is a PEM file of additional root certificates for the reporting service.
	CABundle        string
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DeliveryTimeout time.Duration
	// UploadLimit is the maximum size of a single artifact in bytes.
	UploadLimit int64

	// SpoolFile is the sqlite file parallel workers write their partial runs to.
	SpoolFile string
	// WorkerID is set in worker processes, the coordinator leaves it empty.
	WorkerID string

	ElasticsearchURL   string
	ElasticsearchIndex string
	MetricsFile        string
}

// Enabled reports whether a delivery mode is configured.
func (c Config) Enabled() bool {
	return c.Mode != ""
}

// Pairs is a list of `key=value` metadata pairs. Read from the environment
// it is split shell-style.
type Pairs []string

func (p *Pairs) EnvDecode(val string) error {
	words, err := shellquote.Split(val)
	if err != nil {
		return err
	}
	*p = words
	return nil
}

// Overrides is a single configuration source. Unset fields are nil and
// fall through to sources of lower precedence.
type Overrides struct {
	Mode       *string        `yaml:"mode" env:"MODE,noinit"`
	Server     *string        `yaml:"server" env:"SERVER,noinit"`
	Token      *string        `yaml:"token" env:"TOKEN,noinit"`
	Source     *string        `yaml:"source" env:"SOURCE,noinit"`
	Project    *string        `yaml:"project" env:"PROJECT,noinit"`
	RunID      *string        `yaml:"run_id" env:"RUN_ID,noinit"`
	Data       *Pairs         `yaml:"data" env:"DATA,noinit"`
	Metadata   model.Metadata `yaml:"metadata"`
	NoArchive  *bool          `yaml:"no_archive" env:"NO_ARCHIVE,noinit"`
	ArchiveDir *string        `yaml:"archive_dir" env:"ARCHIVE_DIR,noinit"`

	Bucket           *string `yaml:"bucket" env:"BUCKET,noinit"`
	S3Endpoint       *string `yaml:"s3_endpoint" env:"S3_ENDPOINT,noinit"`
	S3Region         *string `yaml:"s3_region" env:"S3_REGION,noinit"`
	S3ForcePathStyle *bool   `yaml:"s3_force_path_style" env:"S3_FORCE_PATH_STYLE,noinit"`
	S3AccessKey      *string `yaml:"s3_access_key" env:"S3_ACCESS_KEY,noinit"`
	S3SecretKey      *string `yaml:"s3_secret_key" env:"S3_SECRET_KEY,noinit"`

	CABundle        *string        `yaml:"ca_bundle" env:"CA_BUNDLE,noinit"`
	MaxAttempts     *int           `yaml:"max_attempts" env:"MAX_ATTEMPTS,noinit"`
	RetryBaseDelay  *time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY,noinit"`
	RetryMaxDelay   *time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY,noinit"`
	DeliveryTimeout *time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT,noinit"`
	UploadLimit     *int64         `yaml:"upload_limit" env:"UPLOAD_LIMIT,noinit"`

	SpoolFile *string `yaml:"spool_file" env:"SPOOL_FILE,noinit"`
	WorkerID  *string `yaml:"worker_id" env:"WORKER_ID,noinit"`

	ElasticsearchURL   *string `yaml:"elasticsearch_url" env:"ELASTICSEARCH_URL,noinit"`
	ElasticsearchIndex *string `yaml:"elasticsearch_index" env:"ELASTICSEARCH_INDEX,noinit"`
	MetricsFile        *string `yaml:"metrics_file" env:"METRICS_FILE,noinit"`
}

func ptr[T any](v T) *T {
	return &v
}

// Defaults returns the compiled-in defaults, the source of lowest precedence.
func Defaults() Overrides {
	return Overrides{
		Source:             ptr("local"),
		ArchiveDir:         ptr("."),
		S3Region:           ptr("us-east-1"),
		MaxAttempts:        ptr(3),
		RetryBaseDelay:     ptr(time.Second),
		RetryMaxDelay:      ptr(10 * time.Second),
		DeliveryTimeout:    ptr(2 * time.Minute),
		UploadLimit:        ptr(int64(5 * 1024 * 1024)),
		ElasticsearchIndex: ptr("testreport-results"),
	}
}

// unprefixed variables read by other tools that are honoured as a fallback.
var aliases = map[string]string{
	"BUCKET":      "AWS_BUCKET",
	"S3_REGION":   "AWS_REGION",
	"S3_ENDPOINT": "AWS_ENDPOINT_URL_S3",
	"CA_BUNDLE":   "REQUESTS_CA_BUNDLE",
}

type aliasLookuper struct {
	l envconfig.Lookuper
}

func (a aliasLookuper) Lookup(key string) (string, bool) {
	alias, ok := aliases[key]
	if !ok {
		return "", false
	}
	return a.l.Lookup(alias)
}

// FromEnv reads the environment source. Variables prefixed with EnvPrefix win
// over LegacyEnvPrefix, which win over the unprefixed aliases. CI build
// information is added to the metadata.
func FromEnv(ctx context.Context, l envconfig.Lookuper) (Overrides, error) {
	var o Overrides

	lookuper := envconfig.MultiLookuper(
		envconfig.PrefixLookuper(EnvPrefix, l),
		envconfig.PrefixLookuper(LegacyEnvPrefix, l),
		aliasLookuper{l: l},
	)

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &o,
		Lookuper: lookuper,
	}); err != nil {
		return Overrides{}, model.ConfigurationError{Field: "environment", Err: err}
	}

	o.Metadata = detectEnvironment(lookuper, l)

	return o, nil
}

func detectEnvironment(prefixed, l envconfig.Lookuper) model.Metadata {
	md := model.Metadata{}

	job, hasJob := l.Lookup("JOB_NAME")
	build, hasBuild := l.Lookup("BUILD_NUMBER")
	if hasJob && hasBuild && job != "" && build != "" {
		url, _ := l.Lookup("BUILD_URL")
		md["jenkins"] = map[string]any{
			"job_name":     job,
			"build_number": build,
			"build_url":    url,
		}
	}

	if envID, ok := prefixed.Lookup("ENV_ID"); ok && envID != "" {
		md["env_id"] = envID
	}

	if len(md) == 0 {
		return nil
	}
	return md
}

// FromFile reads the ini file source. A missing file is an empty source.
func FromFile(path string) (Overrides, error) {
	var o Overrides

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	} else if err != nil {
		return o, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, model.ConfigurationError{Field: path, Err: err}
	}

	return o, nil
}

// Load resolves the configuration from flags, the environment and the ini
// file at path.
func Load(ctx context.Context, flags Overrides, path string, l envconfig.Lookuper) (Config, error) {
	env, err := FromEnv(ctx, l)
	if err != nil {
		return Config{}, err
	}

	file, err := FromFile(path)
	if err != nil {
		return Config{}, err
	}

	return Resolve(flags, env, file, Defaults())
}

func fill[T any](dst **T, src *T) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

// Resolve merges sources given from highest to lowest precedence and
// validates the result.
func Resolve(layers ...Overrides) (Config, error) {
	var o Overrides
	metadata := []model.Metadata{}

	for _, l := range layers {
		fill(&o.Mode, l.Mode)
		fill(&o.Server, l.Server)
		fill(&o.Token, l.Token)
		fill(&o.Source, l.Source)
		fill(&o.Project, l.Project)
		fill(&o.RunID, l.RunID)
		fill(&o.NoArchive, l.NoArchive)
		fill(&o.ArchiveDir, l.ArchiveDir)
		fill(&o.Bucket, l.Bucket)
		fill(&o.S3Endpoint, l.S3Endpoint)
		fill(&o.S3Region, l.S3Region)
		fill(&o.S3ForcePathStyle, l.S3ForcePathStyle)
		fill(&o.S3AccessKey, l.S3AccessKey)
		fill(&o.S3SecretKey, l.S3SecretKey)
		fill(&o.CABundle, l.CABundle)
		fill(&o.MaxAttempts, l.MaxAttempts)
		fill(&o.RetryBaseDelay, l.RetryBaseDelay)
		fill(&o.RetryMaxDelay, l.RetryMaxDelay)
		fill(&o.DeliveryTimeout, l.DeliveryTimeout)
		fill(&o.UploadLimit, l.UploadLimit)
		fill(&o.SpoolFile, l.SpoolFile)
		fill(&o.WorkerID, l.WorkerID)
		fill(&o.ElasticsearchURL, l.ElasticsearchURL)
		fill(&o.ElasticsearchIndex, l.ElasticsearchIndex)
		fill(&o.MetricsFile, l.MetricsFile)

		md, err := l.metadata()
		if err != nil {
			return Config{}, err
		}
		metadata = append(metadata, md)
	}

	md, err := model.ResolveMetadata(metadata...)
	if err != nil {
		return Config{}, err
	}

	c := Config{
		Token:              deref(o.Token),
		Source:             deref(o.Source),
		Project:            deref(o.Project),
		RunID:              deref(o.RunID),
		Metadata:           md,
		NoArchive:          deref(o.NoArchive),
		ArchiveDir:         deref(o.ArchiveDir),
		Bucket:             deref(o.Bucket),
		S3Endpoint:         deref(o.S3Endpoint),
		S3Region:           deref(o.S3Region),
		S3ForcePathStyle:   deref(o.S3ForcePathStyle),
		S3AccessKey:        deref(o.S3AccessKey),
		S3SecretKey:        deref(o.S3SecretKey),
		CABundle:           deref(o.CABundle),
		MaxAttempts:        deref(o.MaxAttempts),
		RetryBaseDelay:     deref(o.RetryBaseDelay),
		RetryMaxDelay:      deref(o.RetryMaxDelay),
		DeliveryTimeout:    deref(o.DeliveryTimeout),
		UploadLimit:        deref(o.UploadLimit),
		SpoolFile:          deref(o.SpoolFile),
		WorkerID:           deref(o.WorkerID),
		ElasticsearchURL:   deref(o.ElasticsearchURL),
		ElasticsearchIndex: deref(o.ElasticsearchIndex),
		MetricsFile:        deref(o.MetricsFile),
	}

	if c.Mode, c.ServerURL, err = parseMode(deref(o.Mode), deref(o.Server)); err != nil {
		return Config{}, err
	}

	if c.RunID == "" {
		// the spool is keyed by run id, workers and their coordinator
		// cannot agree on a generated one
		if c.SpoolFile != "" {
			return Config{}, model.ConfigurationError{Field: "run_id", Msg: "a spool requires a run id shared by all workers and the coordinator"}
		}
		c.RunID = uuid.NewString()
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (o Overrides) metadata() (model.Metadata, error) {
	var pairs []string
	if o.Data != nil {
		pairs = *o.Data
	}

	parsed, err := model.ParseMetadata(pairs)
	if err != nil {
		return nil, err
	}

	// pairs and the metadata mapping of the same source are merged, pairs win
	return model.MergeMetadata(parsed, o.Metadata)
}

func parseMode(mode, server string) (Mode, string, error) {
	switch strings.ToLower(mode) {
	case "":
		return "", "", nil
	case "archive":
		return ModeArchive, "", nil
	case "s3", "object-storage":
		return ModeObjectStorage, "", nil
	case "remote-service", "server":
		return ModeRemote, NormalizeServerURL(server), nil
	}

	if strings.HasPrefix(mode, "http://") || strings.HasPrefix(mode, "https://") {
		return ModeRemote, NormalizeServerURL(mode), nil
	}

	return "", "", model.ConfigurationError{Field: "mode", Msg: fmt.Sprintf("unknown delivery mode %q", mode)}
}

// NormalizeServerURL makes sure the url of the reporting service ends in `/api`.
func NormalizeServerURL(url string) string {
	if url == "" {
		return ""
	}

	url = strings.TrimRight(url, "/")
	if !strings.HasSuffix(url, "/api") {
		url += "/api"
	}

	return url
}

func (c Config) Validate() error {
	if _, err := uuid.Parse(c.RunID); err != nil {
		return model.ConfigurationError{Field: "run_id", Msg: fmt.Sprintf("%q is not a valid uuid", c.RunID)}
	}

	switch c.Mode {
	case ModeRemote:
		if c.ServerURL == "" {
			return model.ConfigurationError{Field: "server", Msg: "the remote-service mode requires a server url"}
		}
		if c.Project == "" {
			return model.ConfigurationError{Field: "project", Msg: "a project is required when reporting to a server"}
		}
	case ModeObjectStorage:
		if c.Bucket == "" {
			return model.ConfigurationError{Field: "bucket", Msg: "the object-storage mode requires a bucket"}
		}
	}

	if c.MaxAttempts < 1 {
		return model.ConfigurationError{Field: "max_attempts", Msg: "must be at least 1"}
	}

	if c.WorkerID != "" && c.SpoolFile == "" {
		return model.ConfigurationError{Field: "worker_id", Msg: "workers require a spool file"}
	}

	return nil
}
