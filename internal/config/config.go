// Package config holds the immutable settings of an input pipeline.
//
// Values are read from NSLT_* environment variables. Anything unset falls
// back to the defaults declared on the struct tags, which match the
// settings the sign-language translation models were trained with.
package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Error policies for records that fail to probe or decode.
const (
	// PolicyFail aborts the pass on the first failing record.
	PolicyFail = "fail"
	// PolicySkip logs the failing record and continues with the next one.
	PolicySkip = "skip"
)

// Config is the complete configuration of a train or inference pipeline.
// It is fixed when the pipeline is constructed.
type Config struct {
	// SrcMaxLen is the padded number of frames per record. Videos must
	// decode to strictly fewer frames to pass the length filter.
	SrcMaxLen int `env:"NSLT_SRC_MAX_LEN" envDefault:"300"`
	// TgtMaxLen bounds the number of target tokens (exclusive) and is the
	// padded target length when PadTargets is set.
	TgtMaxLen int `env:"NSLT_TGT_MAX_LEN" envDefault:"50"`
	// TargetFPS is the frame rate videos are decimated to.
	TargetFPS float64 `env:"NSLT_TARGET_FPS" envDefault:"10"`

	NumThreads       int   `env:"NSLT_NUM_THREADS" envDefault:"4"`
	OutputBufferSize int   `env:"NSLT_OUTPUT_BUFFER_SIZE" envDefault:"10"`
	RandomSeed       int64 `env:"NSLT_RANDOM_SEED" envDefault:"1"`
	SkipCount        int   `env:"NSLT_SKIP_COUNT" envDefault:"0"`

	SourceReverse bool `env:"NSLT_SOURCE_REVERSE" envDefault:"false"`
	PadTargets    bool `env:"NSLT_PAD_TARGETS" envDefault:"false"`

	SOS string `env:"NSLT_SOS" envDefault:"<s>"`
	EOS string `env:"NSLT_EOS" envDefault:"</s>"`
	UNK string `env:"NSLT_UNK" envDefault:"<unk>"`

	ErrorPolicy string `env:"NSLT_ERROR_POLICY" envDefault:"fail"`

	// Decoder names the video capture backend ("ffmpeg", or "gocv" in
	// builds tagged gocv).
	Decoder     string `env:"NSLT_DECODER" envDefault:"ffmpeg"`
	FFmpegPath  string `env:"NSLT_FFMPEG_PATH"`
	FFprobePath string `env:"NSLT_FFPROBE_PATH"`

	MetricsNamespace string `env:"NSLT_METRICS_NAMESPACE" envDefault:"NSLT/Input"`
}

// Default returns the configuration with every field at its default.
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the configuration from the process environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ShuffleBufferSize is the reservoir size of the training shuffle.
func (c Config) ShuffleBufferSize() int {
	return c.OutputBufferSize * 1000
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SrcMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("src max len must be positive, got %d", c.SrcMaxLen))
	}
	if c.TgtMaxLen <= 0 {
		errs = append(errs, fmt.Errorf("tgt max len must be positive, got %d", c.TgtMaxLen))
	}
	if c.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("target fps must be positive, got %v", c.TargetFPS))
	}
	if c.NumThreads < 1 {
		errs = append(errs, fmt.Errorf("num threads must be at least 1, got %d", c.NumThreads))
	}
	if c.OutputBufferSize < 1 {
		errs = append(errs, fmt.Errorf("output buffer size must be at least 1, got %d", c.OutputBufferSize))
	}
	if c.SkipCount < 0 {
		errs = append(errs, fmt.Errorf("skip count must not be negative, got %d", c.SkipCount))
	}
	if c.SOS == "" || c.EOS == "" {
		errs = append(errs, errors.New("sos and eos tokens must be set"))
	}
	if c.SOS == c.EOS {
		errs = append(errs, fmt.Errorf("sos and eos must differ, both are %q", c.SOS))
	}
	switch c.ErrorPolicy {
	case PolicyFail, PolicySkip:
	default:
		errs = append(errs, fmt.Errorf("error policy must be %q or %q, got %q", PolicyFail, PolicySkip, c.ErrorPolicy))
	}
	if c.Decoder == "" {
		errs = append(errs, errors.New("decoder backend must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Summary returns the non-sensitive settings as strings for startup logging.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"srcMaxLen":        strconv.Itoa(c.SrcMaxLen),
		"tgtMaxLen":        strconv.Itoa(c.TgtMaxLen),
		"targetFps":        strconv.FormatFloat(c.TargetFPS, 'g', -1, 64),
		"numThreads":       strconv.Itoa(c.NumThreads),
		"outputBufferSize": strconv.Itoa(c.OutputBufferSize),
		"randomSeed":       strconv.FormatInt(c.RandomSeed, 10),
		"skipCount":        strconv.Itoa(c.SkipCount),
		"errorPolicy":      c.ErrorPolicy,
		"decoder":          c.Decoder,
	}
}
