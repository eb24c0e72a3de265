package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/nslt-input/internal/cli"
	"github.com/fpang/nslt-input/internal/config"
	"github.com/fpang/nslt-input/internal/corpus"
	"github.com/fpang/nslt-input/internal/logging"
	"github.com/fpang/nslt-input/internal/pipeline"
	"github.com/fpang/nslt-input/internal/s3util"
	"github.com/fpang/nslt-input/internal/video"
	"github.com/fpang/nslt-input/internal/vocab"
)

// commitHash is set at build time via -ldflags "-X main.commitHash=...".
var commitHash string

// CLI flags
var (
	srcFlag     string
	tgtFlag     string
	vocabFlag   string
	baseDirFlag string
	inferFlag   bool
	limitFlag   int
	passesFlag  int
	metricsFlag bool
	stagingFlag string
)

// rootCmd is the main Cobra command for the nslt-data CLI.
var rootCmd = &cobra.Command{
	Use:   "nslt-data",
	Short: "Run the sign-language video input pipeline and report its records",
	Long: `nslt-data builds the training or inference input pipeline from a list of
video paths (and, for training, the aligned target sentences) and prints one
line per record it yields: source frames, duration at the target frame rate
and the target ids.

Pipeline settings come from NSLT_* environment variables (see
internal/config). Video paths may be local, relative to --base-dir, or
s3://bucket/key URIs, which are staged to temporary files.

Examples:
  nslt-data --src train.sign --tgt train.de --vocab vocab.de
  nslt-data --src dev.sign.zst --infer --limit 20
  NSLT_ERROR_POLICY=skip nslt-data --src s3-paths.txt --tgt train.de --vocab vocab.de --metrics`,
	Args: cobra.NoArgs,
	RunE: runMain,
}

func init() {
	rootCmd.Flags().StringVarP(&srcFlag, "src", "s", "", "File listing one video path per line (plain or .zst)")
	rootCmd.Flags().StringVarP(&tgtFlag, "tgt", "t", "", "Target sentences aligned with --src (training only)")
	rootCmd.Flags().StringVar(&vocabFlag, "vocab", "", "Target vocabulary, one token per line (training only)")
	rootCmd.Flags().StringVarP(&baseDirFlag, "base-dir", "b", "", "Directory relative video paths are resolved against")
	rootCmd.Flags().BoolVar(&inferFlag, "infer", false, "Build the inference pipeline (no targets)")
	rootCmd.Flags().IntVar(&limitFlag, "limit", 0, "Stop after this many records per pass (0 = all)")
	rootCmd.Flags().IntVar(&passesFlag, "passes", 1, "Number of passes over the data")
	rootCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Write EMF pass metrics to stdout")
	rootCmd.Flags().StringVar(&stagingFlag, "staging-dir", "", "Directory for videos downloaded from S3 (default: system temp)")
	_ = rootCmd.MarkFlagRequired("src")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, _ []string) error {
	logging.Init()
	initStart := time.Now()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if baseDirFlag != "" {
		if baseDirFlag, err = cli.ResolveDirectory(baseDirFlag); err != nil {
			return err
		}
	}

	it, err := buildIterator(ctx, cfg)
	if err != nil {
		return err
	}
	defer it.Close()

	logging.NewStartupLogger("nslt-data").
		CommitHash(commitHash).
		Input("sources", srcFlag).
		Input("targets", tgtFlag).
		Input("vocabulary", vocabFlag).
		Input("baseDir", baseDirFlag).
		Feature("infer", inferFlag).
		Feature("sourceReverse", cfg.SourceReverse).
		Feature("padTargets", cfg.PadTargets).
		Feature("metrics", metricsFlag).
		ConfigMap(cfg.Summary()).
		Config("backends", strings.Join(video.Backends(), ",")).
		InitDuration(time.Since(initStart)).
		Log()

	for pass := range passesFlag {
		if err := runPass(ctx, cmd.OutOrStdout(), it, cfg, pass); err != nil {
			return err
		}
	}
	return nil
}

func buildIterator(ctx context.Context, cfg config.Config) (*pipeline.BatchedInput, error) {
	deps := pipeline.Deps{}
	if metricsFlag {
		deps.Metrics = os.Stdout
	}

	var sources, targets []string
	var err error
	if inferFlag {
		sources, err = corpus.ReadLines(srcFlag)
	} else {
		if tgtFlag == "" || vocabFlag == "" {
			return nil, errors.New("training needs --tgt and --vocab (or pass --infer)")
		}
		sources, targets, err = corpus.LoadParallel(srcFlag, tgtFlag)
	}
	if err != nil {
		return nil, err
	}
	sources = corpus.ResolvePaths(sources, baseDirFlag)

	if slices.ContainsFunc(sources, s3util.IsURI) {
		client, err := s3util.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		deps.Resolver = s3util.NewStager(client, stagingFlag)
	}

	if inferFlag {
		return pipeline.NewInferIterator(cfg, sources, deps)
	}

	table, err := vocab.Load(vocabFlag, vocab.Specials{UNK: cfg.UNK, SOS: cfg.SOS, EOS: cfg.EOS})
	if err != nil {
		return nil, err
	}
	deps.Vocab = table
	vocabulary = table
	return pipeline.NewTrainIterator(cfg, sources, targets, deps)
}

// vocabulary renders target ids back to tokens in the report.
var vocabulary *vocab.Table

func runPass(ctx context.Context, out io.Writer, it *pipeline.BatchedInput, cfg config.Config, pass int) error {
	if err := it.Initialize(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================")
	fmt.Fprintf(out, "Pass %d: %s\n", pass+1, it)
	fmt.Fprintln(out, "--------------------------------------------")

	var count, frames int
	for limitFlag <= 0 || count < limitFlag {
		rec, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("pass %d: %w", pass+1, err)
		}
		count++
		frames += int(rec.SourceLength)
		fmt.Fprintln(out, formatRecord(rec, cfg))
	}

	fmt.Fprintln(out, "--------------------------------------------")
	fmt.Fprintf(out, "Records: %d\n", count)
	fmt.Fprintf(out, "Frames:  %d (%s at %g fps)\n",
		frames, cli.FormatDurationShort(cli.FramesDuration(frames, cfg.TargetFPS)), cfg.TargetFPS)
	fmt.Fprintln(out, "============================================")

	log.Info().Int("pass", pass+1).Int("records", count).Msg("Report complete")
	return nil
}

func formatRecord(rec *pipeline.Record, cfg config.Config) string {
	line := fmt.Sprintf("#%-6d %-40s frames=%-4d (%s)",
		rec.Index, cli.Truncate(rec.Path, 40), rec.SourceLength,
		cli.FormatDurationShort(cli.FramesDuration(int(rec.SourceLength), cfg.TargetFPS)))
	if !rec.HasTarget() {
		return line
	}

	tokens := make([]string, 0, rec.TargetLength)
	for _, id := range rec.TargetOutput[:rec.TargetLength] {
		if vocabulary != nil {
			tokens = append(tokens, vocabulary.Token(id))
		} else {
			tokens = append(tokens, fmt.Sprint(id))
		}
	}
	return fmt.Sprintf("%s target=%d %q", line, rec.TargetLength, strings.Join(tokens, " "))
}
