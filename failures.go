package failurelambda

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FailureLambdaException is the error returned by an injected exception. The
// type name is the errorType the platform reports, so it matches the wire
// shape of the other runtimes' injectors.
type FailureLambdaException struct {
	Message string
}

func (e *FailureLambdaException) Error() string {
	return e.Message
}

// BlockedRequestError is returned by the deny transport for hosts on the
// deny list.
type BlockedRequestError struct {
	Host    string
	Pattern string
}

func (e *BlockedRequestError) Error() string {
	return fmt.Sprintf("connection to %s blocked by failure injection (pattern %q)", e.Host, e.Pattern)
}

var UUID = GenerateUUID

func GenerateUUID() string {
	id := uuid.New().String()
	id = strings.ReplaceAll(id, ":", "")
	return id[0:8]
}

// Percentile rolls the dice for percentage gated injection. Swapped out in
// tests for determinism.
var Percentile = func() int {
	return rand.Intn(100)
}

func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// InjectLatency sleeps for a random duration in [min_latency, max_latency]
// milliseconds.
func InjectLatency(ctx context.Context, flag FlagValue, log *zap.Logger) {
	var minLatency, maxLatency float64
	if flag.MinLatency != nil && *flag.MinLatency > 0 {
		minLatency = *flag.MinLatency
	}
	if flag.MaxLatency != nil && *flag.MaxLatency > 0 {
		maxLatency = *flag.MaxLatency
	}
	spread := maxLatency - minLatency
	if spread < 0 {
		spread = 0
	}
	ms := int64(minLatency + rand.Float64()*spread)
	log.Info("injecting latency",
		zap.String("mode", ModeLatency),
		zap.String("action", "inject"),
		zap.Int64("latency_ms", ms),
		zap.Float64("min_latency", minLatency),
		zap.Float64("max_latency", maxLatency),
	)
	sleepFor(ctx, time.Duration(ms)*time.Millisecond)
}

// InjectTimeout sleeps until the invocation deadline minus timeout_buffer_ms,
// then returns normally. The handler starts with almost no time left, so the
// platform kills the invocation shortly after. Without a deadline on ctx this
// is a no-op.
func InjectTimeout(ctx context.Context, flag FlagValue, log *zap.Logger) {
	deadline, ok := ctx.Deadline()
	if !ok {
		log.Warn("no deadline on context, skipping timeout injection",
			zap.String("mode", ModeTimeout),
			zap.String("action", "skip"),
		)
		return
	}
	var buffer time.Duration
	if flag.TimeoutBufferMs != nil && *flag.TimeoutBufferMs > 0 {
		buffer = time.Duration(*flag.TimeoutBufferMs * float64(time.Millisecond))
	}
	d := time.Until(deadline) - buffer
	if d < 0 {
		d = 0
	}
	log.Info("injecting timeout",
		zap.String("mode", ModeTimeout),
		zap.String("action", "inject"),
		zap.Duration("sleep", d),
		zap.Duration("buffer", buffer),
	)
	sleepFor(ctx, d)
}

const (
	diskspacePrefix    = "diskspace-failure-"
	diskspaceChunkSize = 1024 * 1024
)

// InjectDiskspace fills the temp directory with disk_space megabytes,
// written in 1MB chunks to keep allocation flat. Failures are logged, never
// surfaced: filling the disk is the point, running out of it mid write is
// success.
func InjectDiskspace(flag FlagValue, log *zap.Logger) {
	diskSpaceMB := 100
	if flag.DiskSpace != nil {
		diskSpaceMB = *flag.DiskSpace
	}
	filename := filepath.Join(os.TempDir(), diskspacePrefix+UUID()+".tmp")
	log.Info("injecting diskspace",
		zap.String("mode", ModeDiskspace),
		zap.String("action", "inject"),
		zap.Int("disk_space_mb", diskSpaceMB),
		zap.String("file", filename),
	)
	f, err := os.Create(filename)
	if err != nil {
		log.Error("failed to create diskspace file",
			zap.String("mode", ModeDiskspace),
			zap.String("action", "error"),
			zap.Error(err),
		)
		return
	}
	defer f.Close()
	chunk := make([]byte, diskspaceChunkSize)
	for i := 0; i < diskSpaceMB; i++ {
		if _, err := f.Write(chunk); err != nil {
			log.Error("failed writing diskspace file",
				zap.String("mode", ModeDiskspace),
				zap.String("action", "error"),
				zap.Error(err),
			)
			return
		}
	}
}

// ClearDiskspace removes diskspace injection files left by a previous
// invocation.
func ClearDiskspace(log *zap.Logger) {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		log.Warn("failed to read temp dir",
			zap.String("mode", ModeDiskspace),
			zap.String("action", "clear_error"),
			zap.Error(err),
		)
		return
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), diskspacePrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(os.TempDir(), entry.Name())); err != nil {
			log.Warn("failed to remove diskspace file",
				zap.String("mode", ModeDiskspace),
				zap.String("action", "clear_error"),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("cleared diskspace files",
			zap.String("mode", ModeDiskspace),
			zap.String("action", "clear"),
			zap.Int("files_removed", removed),
		)
	}
}

// NewException builds the error for an injected exception.
func NewException(flag FlagValue, log *zap.Logger) error {
	message := "Injected exception"
	if flag.ExceptionMsg != nil {
		message = *flag.ExceptionMsg
	}
	log.Info("injecting exception",
		zap.String("mode", ModeException),
		zap.String("action", "inject"),
		zap.String("exception_msg", message),
	)
	return &FailureLambdaException{Message: message}
}

type statusCodeResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// StatusCodePayload builds the short circuit response for an injected status
// code. The handler is never invoked.
func StatusCodePayload(flag FlagValue, log *zap.Logger) []byte {
	statusCode := 500
	if flag.StatusCode != nil {
		statusCode = *flag.StatusCode
	}
	log.Info("injecting status code",
		zap.String("mode", ModeStatusCode),
		zap.String("action", "inject"),
		zap.Int("status_code", statusCode),
	)
	payload, _ := json.Marshal(statusCodeResponse{
		StatusCode: statusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       fmt.Sprintf(`{"message":"Injected status code %d"}`, statusCode),
	})
	return payload
}

// MangleFraction picks how much of a body survives mangling. Swapped out in
// tests for determinism.
var MangleFraction = func() float64 {
	return 0.3 + rand.Float64()*0.5
}

// CorruptResponse rewrites a response's body field. With flag.body set the
// body is replaced outright; otherwise it is truncated and terminated with
// replacement characters.
func CorruptResponse(flag FlagValue, response []byte, log *zap.Logger) []byte {
	var parsed map[string]json.RawMessage
	jsonObject := json.Unmarshal(response, &parsed) == nil && parsed != nil

	if flag.Body != nil {
		log.Info("injecting corruption",
			zap.String("mode", ModeCorruption),
			zap.String("action", "inject"),
			zap.String("method", "replace"),
		)
		if !jsonObject {
			return []byte(*flag.Body)
		}
		if _, ok := parsed["body"]; !ok {
			log.Warn("response has no body field; wrapping in { body }",
				zap.String("mode", ModeCorruption),
			)
			out, err := json.Marshal(map[string]string{"body": *flag.Body})
			if err != nil {
				return response
			}
			return out
		}
		replacement, _ := json.Marshal(*flag.Body)
		parsed["body"] = replacement
		out, err := json.Marshal(parsed)
		if err != nil {
			return response
		}
		return out
	}

	if jsonObject {
		var body string
		if rawBody, ok := parsed["body"]; ok && json.Unmarshal(rawBody, &body) == nil {
			log.Info("injecting corruption",
				zap.String("mode", ModeCorruption),
				zap.String("action", "inject"),
				zap.String("method", "mangle"),
			)
			mangled, _ := json.Marshal(mangleString(body))
			parsed["body"] = mangled
			out, err := json.Marshal(parsed)
			if err != nil {
				return response
			}
			return out
		}
	}
	log.Warn("response has no string body field to mangle; returning unchanged",
		zap.String("mode", ModeCorruption),
	)
	return response
}

// mangleString truncates the input at a rune boundary and appends replacement
// characters, yielding a recognizably corrupt payload.
func mangleString(input string) string {
	if input == "" {
		return input
	}
	truncatePoint := int(float64(len(input)) * MangleFraction())
	safePoint := 0
	for i := range input {
		if i > truncatePoint {
			break
		}
		safePoint = i
	}
	return input[:safePoint] + "���"
}

// nestedValue resolves a dot separated path against a decoded JSON value.
func nestedValue(event any, path string) (any, bool) {
	current := event
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func cachedRegex(pattern string) (*regexp.Regexp, bool) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	regexCache[pattern] = re
	return re, true
}

func valueToString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		out, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(out)
	}
}

func matchOperator(actual any, found bool, operator string, value *string) bool {
	present := found && actual != nil
	switch operator {
	case OperatorExists:
		return present
	case OperatorStartsWith:
		if !present {
			return false
		}
		want := ""
		if value != nil {
			want = *value
		}
		return strings.HasPrefix(valueToString(actual), want)
	case OperatorRegex:
		if !present || value == nil {
			return false
		}
		re, ok := cachedRegex(*value)
		if !ok {
			return false
		}
		return re.MatchString(valueToString(actual))
	default:
		if !present {
			return false
		}
		want := ""
		if value != nil {
			want = *value
		}
		return valueToString(actual) == want
	}
}

// MatchesConditions reports whether every condition is satisfied by the
// event. No conditions means match everything.
func MatchesConditions(event any, conditions []MatchCondition) bool {
	for _, condition := range conditions {
		actual, found := nestedValue(event, condition.Path)
		if !matchOperator(actual, found, condition.operator(), condition.Value) {
			return false
		}
	}
	return true
}

type denyTransport struct {
	base     http.RoundTripper
	patterns []*regexp.Regexp
	log      *zap.Logger
}

func (t denyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	for _, pattern := range t.patterns {
		if pattern.MatchString(host) {
			t.log.Info("blocking request",
				zap.String("mode", ModeDenylist),
				zap.String("action", "inject"),
				zap.String("host", host),
				zap.String("pattern", pattern.String()),
			)
			return nil, &BlockedRequestError{Host: host, Pattern: pattern.String()}
		}
	}
	return t.base.RoundTrip(req)
}

// DenyTransport wraps a RoundTripper and fails requests whose host matches
// any of the patterns.
func DenyTransport(base http.RoundTripper, patterns []*regexp.Regexp, log *zap.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return denyTransport{base: base, patterns: patterns, log: log}
}

// InstallDenyTransport swaps http.DefaultTransport for a denying transport
// and returns a restore func. Lambda runs one invocation at a time, so the
// global swap has no concurrent readers inside a function.
func InstallDenyTransport(flag FlagValue, log *zap.Logger) func() {
	var patterns []*regexp.Regexp
	for _, raw := range flag.DenyList {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		patterns = append(patterns, re)
	}
	log.Info("installing deny transport",
		zap.String("mode", ModeDenylist),
		zap.String("action", "inject"),
		zap.Strings("deny_list", flag.DenyList),
	)
	previous := http.DefaultTransport
	http.DefaultTransport = DenyTransport(previous, patterns, log)
	return func() {
		http.DefaultTransport = previous
	}
}
