// Package corpus reads the line-aligned text files that feed a pipeline:
// a list of video paths and a file of target sentences, one entry per line.
// Files ending in .zst are decompressed transparently.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// maxLineBytes caps a single line. Sentences and paths are far shorter.
const maxLineBytes = 1 << 20

// Open opens path for reading, wrapping it in a zstd decoder when the name
// ends in .zst. Closing the returned reader closes the file.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".zst") {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("zstd reader for %s: %w", path, err)
	}
	return &zstdFile{dec: dec, f: f}, nil
}

type zstdFile struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdFile) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdFile) Close() error {
	z.dec.Close()
	return z.f.Close()
}

// ReadLines returns every line of path without its line terminator.
// A trailing newline does not produce an extra empty line; empty lines in
// the middle are kept so files stay aligned.
func ReadLines(path string) ([]string, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	lines, err := scanLines(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	log.Debug().
		Str("path", path).
		Int("lines", len(lines)).
		Msg("Corpus file loaded")

	return lines, nil
}

func scanLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// LoadParallel reads a path list and the sentence file aligned with it.
// Line counts are not compared here; pairing reports mismatches.
func LoadParallel(sourcePath, targetPath string) (sources, targets []string, err error) {
	sources, err = ReadLines(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	targets, err = ReadLines(targetPath)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("sources", sourcePath).
		Str("targets", targetPath).
		Int("source_lines", len(sources)).
		Int("target_lines", len(targets)).
		Msg("Parallel corpus loaded")

	return sources, targets, nil
}

// ResolvePaths joins relative entries of paths onto baseDir. Absolute
// entries, URIs and blank lines are returned unchanged.
func ResolvePaths(paths []string, baseDir string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		trimmed := strings.TrimSpace(p)
		switch {
		case baseDir == "", trimmed == "", filepath.IsAbs(trimmed), strings.Contains(trimmed, "://"):
			out[i] = trimmed
		default:
			out[i] = filepath.Join(baseDir, trimmed)
		}
	}
	return out
}
