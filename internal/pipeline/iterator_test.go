package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"slices"
	"sort"
	"testing"

	"github.com/fpang/nslt-input/internal/config"
	"github.com/fpang/nslt-input/internal/video"
	"github.com/fpang/nslt-input/internal/video/videotest"
	"github.com/fpang/nslt-input/internal/vocab"
)

// testConfig keeps records small: 40 padded frames instead of 300.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.SrcMaxLen = 40
	cfg.TgtMaxLen = 5
	cfg.NumThreads = 3
	cfg.OutputBufferSize = 2
	return cfg
}

// Ids: <unk>=0 <s>=1 </s>=2 hello=3 world=4 a=5.
func testVocab() *vocab.Table {
	return vocab.New([]string{"hello", "world", "a"}, vocab.Specials{UNK: "<unk>", SOS: "<s>", EOS: "</s>"})
}

func collect(t *testing.T, it *BatchedInput) []*Record {
	t.Helper()
	if err := it.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	var recs []*Record
	for {
		rec, err := it.Next(t.Context())
		if errors.Is(err, io.EOF) {
			return recs
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		recs = append(recs, rec)
	}
}

func byIndex(recs []*Record) []*Record {
	sorted := slices.Clone(recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return sorted
}

func indices(recs []*Record) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Index
	}
	return out
}

func TestTrainIterator_EndToEnd(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{
		"v1.mp4": {FPS: 30, Frames: 90},
		"v2.mp4": {FPS: 30, Frames: 45},
	})
	var metricsOut bytes.Buffer
	it, err := NewTrainIterator(testConfig(),
		[]string{"v1.mp4", "v2.mp4"},
		[]string{"hello world", "a"},
		Deps{Opener: opener, Vocab: testVocab(), Metrics: &metricsOut})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	recs := byIndex(collect(t, it))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	tests := []struct {
		srcLen  int32
		tgtLen  int32
		tgtIn   []int32
		tgtOut  []int32
		srcPath string
	}{
		{srcLen: 30, tgtLen: 3, tgtIn: []int32{1, 3, 4}, tgtOut: []int32{3, 4, 2}, srcPath: "v1.mp4"},
		{srcLen: 15, tgtLen: 2, tgtIn: []int32{1, 5}, tgtOut: []int32{5, 2}, srcPath: "v2.mp4"},
	}
	for i, tt := range tests {
		rec := recs[i]
		if rec.Path != tt.srcPath {
			t.Errorf("record %d path = %s, want %s", i, rec.Path, tt.srcPath)
		}
		if rec.SourceLength != tt.srcLen || rec.TargetLength != tt.tgtLen {
			t.Errorf("record %d lengths = (%d, %d), want (%d, %d)",
				i, rec.SourceLength, rec.TargetLength, tt.srcLen, tt.tgtLen)
		}
		if !slices.Equal(rec.TargetInput, tt.tgtIn) || !slices.Equal(rec.TargetOutput, tt.tgtOut) {
			t.Errorf("record %d targets = %v / %v, want %v / %v",
				i, rec.TargetInput, rec.TargetOutput, tt.tgtIn, tt.tgtOut)
		}
		if len(rec.Source) != 40*video.FrameSize {
			t.Fatalf("record %d source has %d values, want %d", i, len(rec.Source), 40*video.FrameSize)
		}
		for j, v := range rec.Source[int(rec.SourceLength)*video.FrameSize:] {
			if v != 0 {
				t.Fatalf("record %d padding value %d = %v, want 0", i, j, v)
			}
		}
	}

	// Decoded frame 1 is native frame 3; its first pixel's red channel.
	_, _, r := videotest.Color(3)
	if got, want := recs[0].Source[video.FrameSize], float32(r)/255; math.Abs(float64(got-want)) > 1e-6 {
		t.Errorf("frame 1 red = %v, want %v", got, want)
	}

	if n := opener.Outstanding(); n != 0 {
		t.Errorf("%d captures left open", n)
	}
	if err := it.pass.ctx.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("pass context after io.EOF = %v, want context.Canceled", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(metricsOut.Bytes(), &doc); err != nil {
		t.Fatalf("metrics output is not one JSON line: %v\n%s", err, metricsOut.String())
	}
	if doc["RecordsEmitted"] != float64(2) || doc["Mode"] != "train" || doc["passId"] == "" {
		t.Errorf("unexpected metrics %v", doc)
	}
}

func TestTrainIterator_Filters(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{
		"empty.mp4": {FPS: 30, Frames: 2},   // decodes to 0 frames
		"long.mp4":  {FPS: 30, Frames: 120}, // decodes to 40 frames, not below 40
		"ok.mp4":    {FPS: 30, Frames: 30},
	})
	sources := []string{"empty.mp4", "ok.mp4", "ok.mp4", "long.mp4", "ok.mp4"}
	targets := []string{"hello", "   ", "a a a a a", "hello", "hello a"}

	var metricsOut bytes.Buffer
	it, err := NewTrainIterator(testConfig(), sources, targets,
		Deps{Opener: opener, Vocab: testVocab(), Metrics: &metricsOut})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if got := indices(recs); !slices.Equal(got, []int{4}) {
		t.Errorf("kept records %v, want [4]", got)
	}

	var doc map[string]any
	if err := json.Unmarshal(metricsOut.Bytes(), &doc); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if doc["RecordsFiltered"] != float64(4) {
		t.Errorf("RecordsFiltered = %v, want 4", doc["RecordsFiltered"])
	}
}

func TestTrainIterator_DeterministicOrderAcrossPasses(t *testing.T) {
	videos := map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}}
	sources := make([]string, 12)
	targets := make([]string, 12)
	for i := range sources {
		sources[i], targets[i] = "clip.mp4", "hello"
	}

	it, err := NewTrainIterator(testConfig(), sources, targets,
		Deps{Opener: videotest.NewOpener(videos), Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	first := indices(collect(t, it))
	second := indices(collect(t, it))
	if len(first) != 12 || !slices.Equal(first, second) {
		t.Errorf("passes differ:\n%v\n%v", first, second)
	}

	other := testConfig()
	other.RandomSeed = 99
	it2, err := NewTrainIterator(other, sources, targets,
		Deps{Opener: videotest.NewOpener(videos), Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it2.Close()
	if third := indices(collect(t, it2)); slices.Equal(first, third) {
		t.Errorf("seed change kept order %v", first)
	}
}

func TestTrainIterator_SkipCount(t *testing.T) {
	cfg := testConfig()
	cfg.SkipCount = 1
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	it, err := NewTrainIterator(cfg,
		[]string{"clip.mp4", "clip.mp4", "clip.mp4"},
		[]string{"hello", "world", "a"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	if got := indices(byIndex(collect(t, it))); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("kept %v, want [1 2]", got)
	}
}

func TestTrainIterator_PadTargets(t *testing.T) {
	cfg := testConfig()
	cfg.PadTargets = true
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	it, err := NewTrainIterator(cfg, []string{"clip.mp4"}, []string{"hello world"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	rec := recs[0]
	if !slices.Equal(rec.TargetInput, []int32{1, 3, 4, 0, 0}) || !slices.Equal(rec.TargetOutput, []int32{3, 4, 2, 0, 0}) {
		t.Errorf("padded targets = %v / %v", rec.TargetInput, rec.TargetOutput)
	}
	if rec.TargetLength != 3 {
		t.Errorf("TargetLength = %d, want 3", rec.TargetLength)
	}
}

func TestTrainIterator_UnknownTokens(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	it, err := NewTrainIterator(testConfig(), []string{"clip.mp4"}, []string{"hello zebra"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if len(recs) != 1 || !slices.Equal(recs[0].TargetOutput, []int32{3, vocab.UnkID, 2}) {
		t.Errorf("records = %v", recs)
	}
}

func TestTrainIterator_FailPolicy(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{
		"ok.mp4":     {FPS: 10, Frames: 2},
		"broken.mp4": {FPS: 10, Frames: 4, FailAt: 2},
	})
	it, err := NewTrainIterator(testConfig(),
		[]string{"ok.mp4", "broken.mp4", "ok.mp4"},
		[]string{"hello", "world", "a"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	if err := it.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	var firstErr error
	for range 4 {
		if _, err := it.Next(t.Context()); err != nil {
			firstErr = err
			break
		}
	}
	if !errors.Is(firstErr, video.ErrDecode) {
		t.Fatalf("error = %v, want ErrDecode", firstErr)
	}
	var recErr *RecordError
	if !errors.As(firstErr, &recErr) || recErr.Path != "broken.mp4" || recErr.Index != 1 {
		t.Errorf("RecordError = %+v", recErr)
	}
	if _, err := it.Next(t.Context()); err != firstErr {
		t.Errorf("error is not sticky: %v", err)
	}

	it.Close()
	if n := opener.Outstanding(); n != 0 {
		t.Errorf("%d captures left open", n)
	}
}

func TestTrainIterator_DegenerateFrameRateFails(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{"slow.mp4": {FPS: 5, Frames: 20}})
	it, err := NewTrainIterator(testConfig(), []string{"slow.mp4"}, []string{"hello"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	if err := it.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err = it.Next(t.Context())
	if !errors.Is(err, video.ErrDegenerateFrameRate) || !errors.Is(err, video.ErrIO) {
		t.Errorf("error = %v, want ErrIO wrapping ErrDegenerateFrameRate", err)
	}
}

func TestTrainIterator_SkipPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorPolicy = config.PolicySkip
	opener := videotest.NewOpener(map[string]videotest.Video{
		"ok.mp4":     {FPS: 10, Frames: 2},
		"broken.mp4": {FPS: 10, Frames: 4, FailFirst: true},
	})
	var metricsOut bytes.Buffer
	it, err := NewTrainIterator(cfg,
		[]string{"ok.mp4", "missing.mp4", "broken.mp4", "ok.mp4"},
		[]string{"hello", "world", "a", "a"},
		Deps{Opener: opener, Vocab: testVocab(), Metrics: &metricsOut})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	if got := indices(byIndex(collect(t, it))); !slices.Equal(got, []int{0, 3}) {
		t.Errorf("kept %v, want [0 3]", got)
	}
	var doc map[string]any
	if err := json.Unmarshal(metricsOut.Bytes(), &doc); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if doc["RecordsFailed"] != float64(2) {
		t.Errorf("RecordsFailed = %v, want 2", doc["RecordsFailed"])
	}
}

func TestNewTrainIterator_Errors(t *testing.T) {
	deps := Deps{Opener: videotest.NewOpener(nil), Vocab: testVocab()}
	if _, err := NewTrainIterator(testConfig(), []string{"a"}, nil, deps); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("mismatch error = %v", err)
	}
	if _, err := NewTrainIterator(testConfig(), nil, nil, Deps{Opener: deps.Opener}); err == nil {
		t.Error("expected error without vocabulary")
	}
	bad := testConfig()
	bad.NumThreads = 0
	if _, err := NewTrainIterator(bad, nil, nil, deps); err == nil {
		t.Error("expected invalid config error")
	}
	unknown := testConfig()
	unknown.Decoder = "vhs"
	if _, err := NewTrainIterator(unknown, nil, nil, Deps{Vocab: testVocab()}); err == nil {
		t.Error("expected unknown backend error")
	}
}

func TestInferIterator(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{
		"a.mp4":     {FPS: 30, Frames: 9},
		"empty.mp4": {FPS: 30, Frames: 0},
		"long.mp4":  {FPS: 10, Frames: 41},
		"b.mp4":     {FPS: 25, Frames: 10},
	})
	cfg := testConfig()
	cfg.SourceReverse = true
	it, err := NewInferIterator(cfg,
		[]string{"a.mp4", "empty.mp4", "long.mp4", "b.mp4", "a.mp4"},
		Deps{Opener: opener})
	if err != nil {
		t.Fatalf("NewInferIterator: %v", err)
	}
	defer it.Close()

	recs := collect(t, it)
	if got := indices(recs); !slices.Equal(got, []int{0, 3, 4}) {
		t.Fatalf("records %v, want [0 3 4] in input order", got)
	}
	for _, rec := range recs {
		if rec.HasTarget() || rec.TargetLength != 0 {
			t.Errorf("inference record %d has targets", rec.Index)
		}
	}
	if recs[0].SourceLength != 3 || recs[1].SourceLength != 5 {
		t.Errorf("source lengths = %d, %d; want 3, 5", recs[0].SourceLength, recs[1].SourceLength)
	}

	// Reversed: frame 0 of a.mp4 is native frame 6.
	_, _, r := videotest.Color(6)
	if got := recs[0].Source[0]; math.Abs(float64(got-float32(r)/255)) > 1e-6 {
		t.Errorf("reversed first frame red = %v, want %v", got, float32(r)/255)
	}
}

func TestBatchedInput_Lifecycle(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	sources := []string{"clip.mp4", "clip.mp4", "clip.mp4", "clip.mp4"}
	it, err := NewInferIterator(testConfig(), sources, Deps{Opener: opener})
	if err != nil {
		t.Fatalf("NewInferIterator: %v", err)
	}

	if _, err := it.Next(t.Context()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Next before Initialize = %v", err)
	}

	if err := it.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := it.Next(t.Context()); err != nil {
		t.Fatalf("Next: %v", err)
	}

	// Restarting mid-pass yields the full set again.
	if got := len(collect(t, it)); got != 4 {
		t.Errorf("restarted pass gave %d records, want 4", got)
	}
	if _, err := it.Next(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after exhaustion = %v, want io.EOF", err)
	}

	if err := it.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := it.Next(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after Close = %v", err)
	}
	if err := it.Initialize(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize after Close = %v", err)
	}
	if n := opener.Outstanding(); n != 0 {
		t.Errorf("%d captures left open", n)
	}
}

func TestBatchedInput_CancelledPass(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	it, err := NewInferIterator(testConfig(), []string{"clip.mp4", "clip.mp4"}, Deps{Opener: opener})
	if err != nil {
		t.Fatalf("NewInferIterator: %v", err)
	}
	defer it.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := it.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := it.Next(t.Context()); !errors.Is(err, context.Canceled) {
		t.Errorf("Next on cancelled pass = %v, want context.Canceled", err)
	}
}

func TestBatchedInput_Yield(t *testing.T) {
	opener := videotest.NewOpener(map[string]videotest.Video{"clip.mp4": {FPS: 10, Frames: 2}})
	it, err := NewTrainIterator(testConfig(), []string{"clip.mp4"}, []string{"hello"},
		Deps{Opener: opener, Vocab: testVocab()})
	if err != nil {
		t.Fatalf("NewTrainIterator: %v", err)
	}
	defer it.Close()

	if it.Name() != "nslt-train" {
		t.Errorf("Name = %q", it.Name())
	}

	spec, inputs, labels, err := it.Yield()
	if err != nil {
		t.Fatalf("Yield: %v", err)
	}
	if spec != it {
		t.Error("spec should be the dataset itself")
	}
	if len(inputs) != 4 || len(labels) != 1 {
		t.Fatalf("got %d inputs and %d labels, want 4 and 1", len(inputs), len(labels))
	}
	if got := labels[0].Shape().Dimensions; !slices.Equal(got, []int{1, 2}) {
		t.Errorf("label shape = %v, want [1 2]", got)
	}

	if _, _, _, err := it.Yield(); !errors.Is(err, io.EOF) {
		t.Errorf("Yield at end = %v, want io.EOF", err)
	}
	it.Reset()
	if _, _, _, err := it.Yield(); err != nil {
		t.Errorf("Yield after Reset: %v", err)
	}
}
