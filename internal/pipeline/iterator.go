// Package pipeline turns video paths and target sentences into padded
// records for a video-to-text model.
//
// A pass pairs the inputs, optionally skips and shuffles them, then fans the
// records out to a pool of workers that probe, filter, decode and pad each
// one. Records come out of Next in input order regardless of which worker
// finishes first.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/nslt-input/internal/config"
	"github.com/fpang/nslt-input/internal/metrics"
	"github.com/fpang/nslt-input/internal/video"
)

// Mode distinguishes training passes, which carry targets, from inference.
type Mode string

const (
	ModeTrain Mode = "train"
	ModeInfer Mode = "infer"
)

// Vocabulary maps a token to its id. Unknown tokens map to the table's
// unknown id. Implementations must be safe for concurrent use.
type Vocabulary interface {
	Lookup(token string) int32
}

// Deps are the collaborators of an iterator. Only Vocab is required, and
// only for training.
type Deps struct {
	// Opener defaults to the backend named by Config.Decoder.
	Opener video.Opener
	Vocab  Vocabulary
	// Resolver defaults to LocalResolver.
	Resolver Resolver
	// Metrics receives one EMF line per completed pass. Nil disables metrics.
	Metrics io.Writer
}

// BatchedInput is a restartable iterator over the records of a pipeline.
// Initialize starts a pass; Next returns records until io.EOF. Next must
// not be called concurrently.
type BatchedInput struct {
	cfg      config.Config
	mode     Mode
	pairs    []Pair
	vocab    Vocabulary
	sosID    int32
	eosID    int32
	sampler  *video.Sampler
	decoder  *video.Decoder
	resolver Resolver
	metrics  io.Writer

	mu     sync.Mutex
	pass   *pass
	closed bool
}

// NewTrainIterator builds a training iterator over parallel lists of video
// paths and target sentences.
func NewTrainIterator(cfg config.Config, sources, targets []string, deps Deps) (*BatchedInput, error) {
	if deps.Vocab == nil {
		return nil, errors.New("training iterator requires a vocabulary")
	}
	pairs, err := Zip(sources, targets)
	if err != nil {
		return nil, err
	}
	b, err := newIterator(cfg, ModeTrain, Skip(pairs, cfg.SkipCount), deps)
	if err != nil {
		return nil, err
	}
	b.vocab = deps.Vocab
	b.sosID = deps.Vocab.Lookup(cfg.SOS)
	b.eosID = deps.Vocab.Lookup(cfg.EOS)
	return b, nil
}

// NewInferIterator builds an inference iterator over video paths. Records
// keep input order and carry no targets.
func NewInferIterator(cfg config.Config, sources []string, deps Deps) (*BatchedInput, error) {
	return newIterator(cfg, ModeInfer, SourcesOnly(sources), deps)
}

func newIterator(cfg config.Config, mode Mode, pairs []Pair, deps Deps) (*BatchedInput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opener := deps.Opener
	if opener == nil {
		var err error
		opener, err = video.NewOpener(cfg.Decoder, video.BackendOptions{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
		})
		if err != nil {
			return nil, err
		}
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = LocalResolver{}
	}

	sampler := video.NewSampler(opener, cfg.TargetFPS)
	return &BatchedInput{
		cfg:      cfg,
		mode:     mode,
		pairs:    pairs,
		sampler:  sampler,
		decoder:  video.NewDecoder(sampler),
		resolver: resolver,
		metrics:  deps.Metrics,
	}, nil
}

// Mode reports whether the iterator yields training or inference records.
func (b *BatchedInput) Mode() Mode { return b.mode }

// Len returns the number of pairs a pass starts from, before filtering.
func (b *BatchedInput) Len() int { return len(b.pairs) }

// Initialize starts a new pass, cancelling any pass in progress. ctx bounds
// the lifetime of the pass: cancelling it stops the workers and kills
// running decoders.
func (b *BatchedInput) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.pass != nil {
		b.pass.stop()
	}
	b.pass = b.startPass(ctx)
	return nil
}

// Next returns the next record of the current pass, or io.EOF once it is
// exhausted. With the fail policy the first record error ends the pass and
// is returned by every later call.
func (b *BatchedInput) Next(ctx context.Context) (*Record, error) {
	b.mu.Lock()
	p, closed := b.pass, b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if p == nil {
		return nil, ErrNotInitialized
	}
	if p.err != nil {
		return nil, p.err
	}

	for {
		if p.head == nil {
			select {
			case f, ok := <-p.queue:
				if !ok {
					if err := p.ctx.Err(); err != nil {
						p.err = err
						return nil, err
					}
					b.finishPass(p)
					return nil, io.EOF
				}
				p.head = f
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case <-p.head.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		f := p.head
		p.head = nil

		switch {
		case f.err != nil:
			p.failed.Add(1)
			if b.cfg.ErrorPolicy == config.PolicySkip && !isCancellation(f.err) {
				log.Warn().
					Err(f.err).
					Str("pass_id", p.id).
					Int("index", f.pair.Index).
					Str("path", f.pair.Source).
					Msg("Skipping record")
				continue
			}
			p.err = f.err
			p.stop()
			log.Error().
				Err(f.err).
				Str("pass_id", p.id).
				Int("index", f.pair.Index).
				Msg("Pass aborted")
			return nil, f.err
		case f.rec == nil:
			p.filtered.Add(1)
			continue
		default:
			p.emitted.Add(1)
			return f.rec, nil
		}
	}
}

// Close stops the current pass and waits for its workers to exit.
func (b *BatchedInput) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.pass != nil {
		b.pass.stop()
		b.pass = nil
	}
	return nil
}

// Name identifies the dataset in gomlx training loops.
func (b *BatchedInput) Name() string {
	return "nslt-" + string(b.mode)
}

// Reset starts a new pass in the background context.
func (b *BatchedInput) Reset() {
	if err := b.Initialize(context.Background()); err != nil {
		log.Warn().Err(err).Str("dataset", b.Name()).Msg("Reset failed")
	}
}

// Yield returns the next record as gomlx tensors. Inputs are every tensor
// of Record.Tensors except the target output, which is the only label.
// Inference records have no labels.
func (b *BatchedInput) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	b.mu.Lock()
	started := b.pass != nil
	b.mu.Unlock()
	if !started {
		if err := b.Initialize(context.Background()); err != nil {
			return nil, nil, nil, err
		}
	}

	rec, err := b.Next(context.Background())
	if err != nil {
		return nil, nil, nil, err
	}
	all := rec.Tensors()
	if !rec.HasTarget() {
		return b, all, nil, nil
	}
	inputs = []*tensors.Tensor{all[0], all[1], all[3], all[4]}
	return b, inputs, []*tensors.Tensor{all[2]}, nil
}

// pass is one run over the pairs. The producer goroutine enqueues a future
// per pair, in order, and hands it to the worker pool; Next awaits futures
// from the head of the queue.
type pass struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan *future
	wg      sync.WaitGroup

	emitted  atomic.Int64
	filtered atomic.Int64
	failed   atomic.Int64
	decodeNs atomic.Int64

	// Owned by the consumer.
	head *future
	err  error
}

type future struct {
	pair Pair
	done chan struct{}
	// rec is nil and err is nil when the record was filtered out.
	rec *Record
	err error
}

func (p *pass) stop() {
	p.cancel()
	p.wg.Wait()
}

func (b *BatchedInput) startPass(ctx context.Context) *pass {
	ctx, cancel := context.WithCancel(ctx)
	p := &pass{
		id:      uuid.New().String(),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *future, b.cfg.OutputBufferSize),
	}

	log.Info().
		Str("pass_id", p.id).
		Str("mode", string(b.mode)).
		Int("pairs", len(b.pairs)).
		Int("workers", b.cfg.NumThreads).
		Msg("Starting pass")

	jobs := make(chan *future)
	for range b.cfg.NumThreads {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for f := range jobs {
				f.rec, f.err = b.process(ctx, p, f.pair)
				close(f.done)
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(jobs)
		defer close(p.queue)

		for pair := range b.order() {
			if ctx.Err() != nil {
				return
			}
			f := &future{pair: pair, done: make(chan struct{})}
			select {
			case p.queue <- f:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- f:
			case <-ctx.Done():
				f.err = ctx.Err()
				close(f.done)
				return
			}
		}
	}()

	return p
}

// order yields the pairs of a pass: shuffled for training, as given for
// inference.
func (b *BatchedInput) order() iter.Seq[Pair] {
	if b.mode == ModeTrain {
		return Shuffle(b.pairs, b.cfg.ShuffleBufferSize(), b.cfg.RandomSeed)
	}
	return func(yield func(Pair) bool) {
		for _, p := range b.pairs {
			if !yield(p) {
				return
			}
		}
	}
}

// process prepares one record. It returns (nil, nil) when the record is
// filtered out.
func (b *BatchedInput) process(ctx context.Context, p *pass, pair Pair) (*Record, error) {
	wrap := func(err error) error {
		return &RecordError{Index: pair.Index, Path: pair.Source, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, release, err := b.resolver.Resolve(ctx, pair.Source)
	if err != nil {
		return nil, wrap(err)
	}
	defer release()

	sample, err := b.sampler.Compute(ctx, local)
	if err != nil {
		return nil, wrap(err)
	}

	var ids []int32
	if b.mode == ModeTrain {
		tokens := strings.Fields(pair.Target)
		if !b.keepTrain(sample.DecodedLength, len(tokens)) {
			log.Debug().
				Str("pass_id", p.id).
				Int("index", pair.Index).
				Int("sourceLength", sample.DecodedLength).
				Int("tokens", len(tokens)).
				Msg("Record filtered")
			return nil, nil
		}
		ids = make([]int32, len(tokens))
		for i, tok := range tokens {
			ids[i] = b.vocab.Lookup(tok)
		}
	} else if sample.DecodedLength <= 0 || sample.DecodedLength >= b.cfg.SrcMaxLen {
		return nil, nil
	}

	start := time.Now()
	frames, err := b.decoder.DecodeSample(ctx, sample, b.cfg.SourceReverse)
	p.decodeNs.Add(int64(time.Since(start)))
	if err != nil {
		return nil, wrap(err)
	}

	source, err := PadSource(frames, b.cfg.SrcMaxLen)
	if err != nil {
		return nil, wrap(err)
	}
	rec := &Record{
		Index:        pair.Index,
		Path:         pair.Source,
		Source:       source,
		SrcMaxLen:    b.cfg.SrcMaxLen,
		SourceLength: int32(frames.Length),
	}
	if b.mode == ModeInfer {
		return rec, nil
	}

	rec.TargetInput, rec.TargetOutput = ShiftTargets(ids, b.sosID, b.eosID)
	rec.TargetLength = int32(len(rec.TargetInput))
	if b.cfg.PadTargets {
		if rec.TargetInput, err = PadTarget(rec.TargetInput, b.cfg.TgtMaxLen); err != nil {
			return nil, wrap(err)
		}
		if rec.TargetOutput, err = PadTarget(rec.TargetOutput, b.cfg.TgtMaxLen); err != nil {
			return nil, wrap(err)
		}
	}
	return rec, nil
}

func (b *BatchedInput) keepTrain(sourceLength, tokens int) bool {
	return sourceLength > 0 && tokens > 0 &&
		sourceLength < b.cfg.SrcMaxLen && tokens < b.cfg.TgtMaxLen
}

func (b *BatchedInput) finishPass(p *pass) {
	p.err = io.EOF
	// Every future has completed; release the pass context.
	p.cancel()
	elapsed := time.Since(p.started)

	log.Info().
		Str("pass_id", p.id).
		Str("mode", string(b.mode)).
		Int64("emitted", p.emitted.Load()).
		Int64("filtered", p.filtered.Load()).
		Int64("failed", p.failed.Load()).
		Dur("elapsed", elapsed).
		Msg("Pass complete")

	if b.metrics == nil {
		return
	}
	err := metrics.New(b.cfg.MetricsNamespace, b.metrics).
		Dimension("Mode", string(b.mode)).
		Count("RecordsEmitted", p.emitted.Load()).
		Count("RecordsFiltered", p.filtered.Load()).
		Count("RecordsFailed", p.failed.Load()).
		Duration("DecodeMs", time.Duration(p.decodeNs.Load())).
		Duration("PassMs", elapsed).
		Property("passId", p.id).
		Flush()
	if err != nil {
		log.Warn().Err(err).Str("pass_id", p.id).Msg("Failed to flush pass metrics")
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// String summarises the iterator for logs.
func (b *BatchedInput) String() string {
	return fmt.Sprintf("%s iterator over %d pairs", b.mode, len(b.pairs))
}
