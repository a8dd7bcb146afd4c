package failurelambda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Failure modes, in the order they are executed within one invocation.
const (
	ModeLatency    = "latency"
	ModeTimeout    = "timeout"
	ModeDiskspace  = "diskspace"
	ModeDenylist   = "denylist"
	ModeStatusCode = "statuscode"
	ModeException  = "exception"
	ModeCorruption = "corruption"
)

var FailureModeOrder = []string{
	ModeLatency,
	ModeTimeout,
	ModeDiskspace,
	ModeDenylist,
	ModeStatusCode,
	ModeException,
	ModeCorruption,
}

// Match operators for event based targeting.
const (
	OperatorEq         = "eq"
	OperatorExists     = "exists"
	OperatorStartsWith = "startsWith"
	OperatorRegex      = "regex"
)

// Environment variables read by the configuration source.
const (
	EnvInjectionParam         = "FAILURE_INJECTION_PARAM"
	EnvCacheTTL               = "FAILURE_CACHE_TTL"
	EnvDisabled               = "FAILURE_LAMBDA_DISABLED"
	EnvAppConfigApplication   = "FAILURE_APPCONFIG_APPLICATION"
	EnvAppConfigEnvironment   = "FAILURE_APPCONFIG_ENVIRONMENT"
	EnvAppConfigConfiguration = "FAILURE_APPCONFIG_CONFIGURATION"
	EnvAppConfigExtensionPort = "AWS_APPCONFIG_EXTENSION_HTTP_PORT"
	DefaultAppConfigHTTPPort  = "2772"
	DefaultCacheTTL           = 60 * time.Second
)

// MatchCondition targets a failure at specific events. Path is a dot
// separated lookup into the event JSON. Value is required for every operator
// except "exists".
type MatchCondition struct {
	Path     string  `json:"path"`
	Value    *string `json:"value,omitempty"`
	Operator string  `json:"operator,omitempty"`
}

func (m MatchCondition) operator() string {
	if m.Operator == "" {
		return OperatorEq
	}
	return m.Operator
}

// FlagValue is a single failure mode's configuration. Only the fields
// relevant to the mode are consulted; the rest stay nil.
type FlagValue struct {
	Enabled         bool             `json:"enabled"`
	Percentage      *int             `json:"percentage,omitempty" validate:"omitnil,gte=0,lte=100"`
	MinLatency      *float64         `json:"min_latency,omitempty" validate:"omitnil,gte=0"`
	MaxLatency      *float64         `json:"max_latency,omitempty" validate:"omitnil,gte=0"`
	ExceptionMsg    *string          `json:"exception_msg,omitempty"`
	StatusCode      *int             `json:"status_code,omitempty" validate:"omitnil,gte=100,lte=599"`
	DiskSpace       *int             `json:"disk_space,omitempty" validate:"omitnil,gte=1,lte=10240"`
	DenyList        []string         `json:"deny_list,omitempty"`
	TimeoutBufferMs *float64         `json:"timeout_buffer_ms,omitempty" validate:"omitnil,gte=0"`
	Body            *string          `json:"body,omitempty"`
	Match           []MatchCondition `json:"match,omitempty"`
}

// FailureFlags is a full flag document: failure mode name to flag value.
type FailureFlags map[string]FlagValue

// ResolvedFailure is an enabled flag ready to inject, with its percentage
// defaulted and clamped.
type ResolvedFailure struct {
	Mode       string
	Percentage int
	Flag       FlagValue
}

// ResolveFailures turns a flag document into the ordered list of failures to
// inject. Disabled flags are dropped, percentage defaults to 100 and is
// clamped to 100.
func ResolveFailures(flags FailureFlags) []ResolvedFailure {
	var failures []ResolvedFailure
	for _, mode := range FailureModeOrder {
		flag, ok := flags[mode]
		if !ok || !flag.Enabled {
			continue
		}
		percentage := 100
		if flag.Percentage != nil {
			percentage = *flag.Percentage
		}
		if percentage > 100 {
			percentage = 100
		}
		failures = append(failures, ResolvedFailure{
			Mode:       mode,
			Percentage: percentage,
			Flag:       flag,
		})
	}
	return failures
}

// FlagError is a field level problem found while parsing a flag document.
type FlagError struct {
	Field   string
	Message string
}

func (e FlagError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseFlags decodes and validates a flag document. Invalid flags are
// reported and left out of the result; valid flags in the same document still
// apply. Unknown top level keys are ignored.
func ParseFlags(raw []byte) (FailureFlags, []FlagError) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return FailureFlags{}, []FlagError{{Field: "config", Message: "not a JSON object"}}
	}
	var errs []FlagError
	if _, ok := doc["isEnabled"]; ok {
		errs = append(errs, FlagError{Field: "config", Message: "detected 0.x configuration format; this version requires the v1.0 feature flag format"})
	} else if _, ok := doc["failureMode"]; ok {
		errs = append(errs, FlagError{Field: "config", Message: "detected 0.x configuration format; this version requires the v1.0 feature flag format"})
	}
	flags := FailureFlags{}
	for _, mode := range FailureModeOrder {
		rawFlag, ok := doc[mode]
		if !ok {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(rawFlag, &probe); err != nil {
			errs = append(errs, FlagError{Field: mode, Message: "must be an object"})
			continue
		}
		var flag FlagValue
		if err := json.Unmarshal(rawFlag, &flag); err != nil {
			errs = append(errs, FlagError{Field: mode, Message: fmt.Sprintf("failed to parse flag: %v", err)})
			continue
		}
		flagErrs := validateFlag(mode, flag, probe)
		if len(flagErrs) > 0 {
			errs = append(errs, flagErrs...)
			continue
		}
		flags[mode] = flag
	}
	return flags, errs
}

// rangeCheckedFields lists, per mode, the FlagValue fields whose range tags
// apply. A stray out-of-range field on an unrelated mode is ignored, the mode
// never reads it.
var rangeCheckedFields = map[string][]string{
	ModeLatency:    {"MinLatency", "MaxLatency"},
	ModeTimeout:    {"TimeoutBufferMs"},
	ModeDiskspace:  {"DiskSpace"},
	ModeStatusCode: {"StatusCode"},
}

func validateFlag(mode string, flag FlagValue, raw map[string]json.RawMessage) []FlagError {
	var errs []FlagError
	var enabled bool
	if rawEnabled, ok := raw["enabled"]; !ok || json.Unmarshal(rawEnabled, &enabled) != nil {
		errs = append(errs, FlagError{Field: mode + ".enabled", Message: "must be a boolean"})
	}
	fields := append([]string{"Percentage"}, rangeCheckedFields[mode]...)
	if err := validate.StructPartial(flag, fields...); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, FlagError{
					Field:   mode + "." + fe.Field(),
					Message: fmt.Sprintf("failed '%s' validation", fe.Tag()),
				})
			}
		}
	}
	if mode == ModeLatency && flag.MinLatency != nil && flag.MaxLatency != nil && *flag.MinLatency > *flag.MaxLatency {
		errs = append(errs, FlagError{Field: mode + ".max_latency", Message: "max_latency must be >= min_latency"})
	}
	if mode == ModeDenylist {
		for i, pattern := range flag.DenyList {
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, FlagError{Field: fmt.Sprintf("%s.deny_list[%d]", mode, i), Message: "invalid regular expression"})
			}
		}
	}
	for i, cond := range flag.Match {
		if cond.Path == "" {
			errs = append(errs, FlagError{Field: fmt.Sprintf("%s.match[%d].path", mode, i), Message: "must be a non-empty string"})
		}
		switch cond.operator() {
		case OperatorEq, OperatorExists, OperatorStartsWith, OperatorRegex:
		default:
			errs = append(errs, FlagError{Field: fmt.Sprintf("%s.match[%d].operator", mode, i), Message: "must be one of: eq, exists, startsWith, regex"})
		}
		if cond.operator() != OperatorExists && cond.Value == nil {
			errs = append(errs, FlagError{Field: fmt.Sprintf("%s.match[%d].value", mode, i), Message: "must be a string (required for all operators except 'exists')"})
		}
		if cond.operator() == OperatorRegex && cond.Value != nil {
			if _, err := regexp.Compile(*cond.Value); err != nil {
				errs = append(errs, FlagError{Field: fmt.Sprintf("%s.match[%d].value", mode, i), Message: "invalid regular expression"})
			}
		}
	}
	return errs
}

type cachedFlags struct {
	flags     FailureFlags
	fetchedAt time.Time
}

// ConfigSource fetches failure flags from SSM Parameter Store or the
// AppConfig Lambda extension, with TTL caching. When neither source is
// configured it yields an empty document, which disables all injection.
type ConfigSource struct {
	mu     sync.Mutex
	cached *cachedFlags

	static    FailureFlags
	hasStatic bool

	ssm  SSMClient
	HTTP *http.Client
	Log  *zap.Logger
}

type ConfigSourceOption func(*ConfigSource)

func NewConfigSource(opts ...ConfigSourceOption) *ConfigSource {
	c := &ConfigSource{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithFlags pins the source to a fixed document, bypassing remote fetches.
func WithFlags(flags FailureFlags) ConfigSourceOption {
	return func(c *ConfigSource) {
		c.static = flags
		c.hasStatic = true
	}
}

func WithSSMClient(client SSMClient) ConfigSourceOption {
	return func(c *ConfigSource) {
		c.ssm = client
	}
}

func WithHTTPClient(client *http.Client) ConfigSourceOption {
	return func(c *ConfigSource) {
		c.HTTP = client
	}
}

func WithConfigLogger(log *zap.Logger) ConfigSourceOption {
	return func(c *ConfigSource) {
		c.Log = log
	}
}

func (c *ConfigSource) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

func isAppConfigSource() bool {
	return os.Getenv(EnvAppConfigConfiguration) != ""
}

// cacheTTL resolves FAILURE_CACHE_TTL. AppConfig defaults to no caching since
// the extension already caches at its poll interval.
func cacheTTL(log *zap.Logger) time.Duration {
	raw := os.Getenv(EnvCacheTTL)
	if raw == "" {
		if isAppConfigSource() {
			return 0
		}
		return DefaultCacheTTL
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		log.Warn("invalid cache ttl, using default",
			zap.String("action", "config"),
			zap.String(EnvCacheTTL, raw),
			zap.Duration("default", DefaultCacheTTL),
		)
		return DefaultCacheTTL
	}
	if seconds > 0 && isAppConfigSource() {
		log.Warn("cache ttl set with AppConfig; the AppConfig extension already caches at its poll interval, library caching adds staleness",
			zap.String("action", "config"),
			zap.Float64("ttl_seconds", seconds),
		)
	}
	return time.Duration(seconds * float64(time.Second))
}

// Flags returns the current failure flag document. Fetch errors fall back to
// the last known document rather than silently disabling all failures.
func (c *ConfigSource) Flags(ctx context.Context) FailureFlags {
	if c.hasStatic {
		return c.static
	}
	log := c.logger()
	ttl := cacheTTL(log)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && ttl > 0 && time.Since(c.cached.fetchedAt) < ttl {
		return c.cached.flags
	}

	var raw []byte
	var err error
	var source string
	switch {
	case isAppConfigSource():
		source = "appconfig"
		raw, err = c.fetchFromAppConfig(ctx)
	case os.Getenv(EnvInjectionParam) != "":
		source = "ssm"
		raw, err = c.fetchFromSSM(ctx)
	default:
		return FailureFlags{}
	}
	if err != nil {
		log.Error("error fetching config",
			zap.String("action", "config"),
			zap.String("config_source", source),
			zap.Error(err),
		)
		if c.cached != nil {
			log.Warn("fetch failed; using last known config", zap.String("action", "config"))
			return c.cached.flags
		}
		return FailureFlags{}
	}

	flags, flagErrs := ParseFlags(raw)
	for _, fe := range flagErrs {
		log.Warn("invalid failure flag",
			zap.String("action", "config"),
			zap.String("field", fe.Field),
			zap.String("message", fe.Message),
		)
	}

	var enabled []string
	for _, mode := range FailureModeOrder {
		if flag, ok := flags[mode]; ok && flag.Enabled {
			enabled = append(enabled, mode)
		}
	}
	log.Info("config fetched",
		zap.String("action", "config"),
		zap.String("config_source", source),
		zap.Duration("cache_ttl", ttl),
		zap.Strings("enabled_flags", enabled),
	)

	c.cached = &cachedFlags{flags: flags, fetchedAt: time.Now()}
	return flags
}

func (c *ConfigSource) ssmClient(ctx context.Context) (SSMClient, error) {
	if c.ssm != nil {
		return c.ssm, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	c.ssm = ssm.NewFromConfig(cfg)
	return c.ssm, nil
}

func (c *ConfigSource) fetchFromSSM(ctx context.Context) ([]byte, error) {
	parameterName := os.Getenv(EnvInjectionParam)
	if parameterName == "" {
		return nil, fmt.Errorf("%s not set", EnvInjectionParam)
	}
	client, err := c.ssmClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(parameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("SSM GetParameter failed: %w", err)
	}
	if resp.Parameter == nil || resp.Parameter.Value == nil {
		return nil, fmt.Errorf("SSM parameter %q has no value", parameterName)
	}
	return []byte(*resp.Parameter.Value), nil
}

func (c *ConfigSource) fetchFromAppConfig(ctx context.Context) ([]byte, error) {
	port := os.Getenv(EnvAppConfigExtensionPort)
	if port == "" {
		port = DefaultAppConfigHTTPPort
	}
	application := os.Getenv(EnvAppConfigApplication)
	if application == "" {
		return nil, fmt.Errorf("%s not set", EnvAppConfigApplication)
	}
	environment := os.Getenv(EnvAppConfigEnvironment)
	if environment == "" {
		return nil, fmt.Errorf("%s not set", EnvAppConfigEnvironment)
	}
	configuration := os.Getenv(EnvAppConfigConfiguration)

	url := fmt.Sprintf("http://localhost:%s/applications/%s/environments/%s/configurations/%s",
		port, application, environment, configuration)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("AppConfig fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AppConfig fetch failed: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading AppConfig response: %w", err)
	}
	return body, nil
}
