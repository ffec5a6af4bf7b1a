// Package config loads and validates the typed settings object for a
// single invocation. Credentials are never part of
// this document — they come from the ambient environment, the same
// way the teacher's internal/data.InitConn reads API keys via
// getEnv(...) rather than a config file.
package config

import (
	"fmt"
	"os"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Source      Source      `yaml:"source" validate:"required"`
	Sink        Sink        `yaml:"sink" validate:"required"`
	Processing  Processing  `yaml:"processing"`
	Performance Performance `yaml:"performance"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Source configures the event store reader.
type Source struct {
	Table                  string  `yaml:"table" validate:"required"`
	ParallelSegments       int     `yaml:"parallel_segments" validate:"min=1"`
	ReadThroughputFraction float64 `yaml:"read_throughput_fraction" validate:"gt=0,lte=1"`
	ScanBatchSize          int     `yaml:"scan_batch_size" validate:"min=1"`
}

// Sink configures the object-store writer.
type Sink struct {
	BucketPrefix         string `yaml:"bucket_prefix" validate:"required"`
	OutputFormat         string `yaml:"output_format" validate:"oneof=json jsonl csv"`
	ServerSideEncryption string `yaml:"server_side_encryption" validate:"required"`
}

// Processing configures window and retry behavior.
type Processing struct {
	WindowHours       int   `yaml:"window_hours" validate:"min=1"`
	MaxRetries        int   `yaml:"max_retries" validate:"min=0"`
	RetryBaseDelayMS  int   `yaml:"retry_base_delay_ms" validate:"min=0"`
	HighWaterMarkByte int64 `yaml:"high_water_mark_bytes" validate:"min=0"`
	DryRun            bool  `yaml:"dry_run"`
}

// Performance caps run-wide concurrency.
type Performance struct {
	MaxConcurrentUploads int `yaml:"max_concurrent_uploads" validate:"min=1"`
}

// Telemetry configures where end-of-run counters are pushed.
type Telemetry struct {
	PushGatewayURL string `yaml:"pushgateway_url"`
	JobName        string `yaml:"job_name"`
}

// Defaults returns the documented baseline configuration.
func Defaults() Config {
	return Config{
		Source: Source{
			ParallelSegments:       8,
			ReadThroughputFraction: 0.5,
			ScanBatchSize:          1000,
		},
		Sink: Sink{
			OutputFormat:         "json",
			ServerSideEncryption: "AES256",
		},
		Processing: Processing{
			WindowHours:      1,
			MaxRetries:       3,
			RetryBaseDelayMS: 1000,
		},
		Performance: Performance{
			MaxConcurrentUploads: 5,
		},
		Telemetry: Telemetry{
			JobName: "event_partitioner",
		},
	}
}

var validate = validator.New()

// Load reads and validates a configuration document from path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates a configuration document already in memory, for
// callers that already have the bytes in hand rather than a file path.
func Parse(raw []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &InvalidError{Option: "(document)", Reason: err.Error()}
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, &InvalidError{Option: firstFieldError(err), Reason: err.Error()}
	}
	return cfg, nil
}

// InvalidError is the fatal, pre-run error kind: it names the
// offending option and the reason validation failed, and aborts the
// run before any work starts.
type InvalidError struct {
	Option string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("config invalid: option %s: %s", e.Option, e.Reason)
}

func firstFieldError(err error) string {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) || len(verrs) == 0 {
		return "(unknown)"
	}
	fe := verrs[0]
	return strings.ToLower(fe.Namespace())
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = verrs
	return true
}
