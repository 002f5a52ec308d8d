// Package archive writes runs into `<run-id>.tar.gz` archives and reads them back.
//
// Layout of an archive:
//
//	<run-id>/run.json
//	<run-id>/<artifact>
//	<run-id>/<result-id>/result.json
//	<run-id>/<result-id>/<artifact>
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/raphi011/testreport/internal/model"
)

const (
	runFileName    = "run.json"
	resultFileName = "result.json"
	// Extension is appended to the run id to form the archive name.
	Extension = ".tar.gz"
)

var archiveName = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\.tar\.gz$`)

// Builder writes archives into a directory. Writing a run whose archive
// already exists merges the archived run with the new one, there is never
// more than one archive per run id.
type Builder struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	// mu serializes writes, the fallback path of delivery and an interrupt
	// may write the same archive.
	mu sync.Mutex
}

func NewBuilder(dir string, logger *slog.Logger) *Builder {
	if dir == "" {
		dir = "."
	}

	return &Builder{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the path of the archive of a run.
func (b *Builder) Path(runID string) string {
	return filepath.Join(b.dir, runID+Extension)
}

// Write archives the bundle and returns the archive path together with the
// bundle that was written, which includes results of an earlier archive
// of the same run. An unreadable earlier archive is replaced.
func (b *Builder) Write(ctx context.Context, bundle model.Bundle) (string, model.Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", model.Bundle{}, err
	}

	p := b.Path(bundle.Run.ID)

	prior, err := Read(p)
	var corrupt model.ArchiveCorruptionError
	switch {
	case err == nil:
		bundle = model.MergeSequential(prior, bundle)
		b.logger.Debug("merged existing archive", "run-id", bundle.Run.ID, "path", p)
	case errors.As(err, &corrupt):
		b.logger.Warn("existing archive is unreadable, starting a fresh one", "path", p, "error", err)
		bundle.Summarize()
	case errors.Is(err, os.ErrNotExist):
		bundle.Summarize()
	default:
		return "", model.Bundle{}, err
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", model.Bundle{}, fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, "."+bundle.Run.ID+"-*"+Extension)
	if err != nil {
		return "", model.Bundle{}, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, bundle, b.now()); err != nil {
		tmp.Close()
		return "", model.Bundle{}, err
	}

	if err := tmp.Close(); err != nil {
		return "", model.Bundle{}, fmt.Errorf("close temp archive: %w", err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", model.Bundle{}, fmt.Errorf("replace archive: %w", err)
	}

	b.logger.Info("archive written", "run-id", bundle.Run.ID, "path", p, "results", len(bundle.Results))

	return p, bundle, nil
}

// Encode writes the bundle as gzip compressed tar stream.
func Encode(w io.Writer, bundle model.Bundle, modTime time.Time) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	runID := bundle.Run.ID

	if err := writeDir(tw, runID, modTime); err != nil {
		return err
	}
	if err := writeJSON(tw, path.Join(runID, runFileName), bundle.Run, modTime); err != nil {
		return err
	}
	for _, a := range bundle.RunArtifacts() {
		if err := writeFile(tw, path.Join(runID, model.SanitizeFilename(a.Filename)), a.Content, modTime); err != nil {
			return err
		}
	}

	for _, r := range bundle.Results {
		dir := path.Join(runID, r.ID)

		if err := writeDir(tw, dir, modTime); err != nil {
			return err
		}
		if err := writeJSON(tw, path.Join(dir, resultFileName), r, modTime); err != nil {
			return err
		}
		for _, a := range bundle.ResultArtifacts(r.ID) {
			if err := writeFile(tw, path.Join(dir, model.SanitizeFilename(a.Filename)), a.Content, modTime); err != nil {
				return err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}

	return nil
}

func writeDir(tw *tar.Writer, name string, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name + "/",
		Mode:     0o755,
		ModTime:  modTime,
		Typeflag: tar.TypeDir,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	return nil
}

func writeJSON(tw *tar.Writer, name string, v any, modTime time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", name, err)
	}
	return writeFile(tw, name, data, modTime)
}

func writeFile(tw *tar.Writer, name string, content []byte, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}

// Read loads the archive at p. A missing archive returns an error wrapping
// os.ErrNotExist, an unreadable one a model.ArchiveCorruptionError.
func Read(p string) (model.Bundle, error) {
	f, err := os.Open(p)
	if err != nil {
		return model.Bundle{}, err
	}
	defer f.Close()

	bundle, err := Decode(f)
	if err != nil {
		return model.Bundle{}, model.ArchiveCorruptionError{Path: p, Err: err}
	}

	return bundle, nil
}

type entry struct {
	name    string
	content []byte
}

// Decode reads a gzip compressed tar stream written by Encode.
func Decode(r io.Reader) (model.Bundle, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return model.Bundle{}, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)

	var (
		bundle     model.Bundle
		hasRun     bool
		resultSeen = map[string]bool{}
		artifacts  []entry
	)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Bundle{}, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		buf := bytes.Buffer{}
		if _, err := io.Copy(&buf, tr); err != nil {
			return model.Bundle{}, fmt.Errorf("read %q: %w", header.Name, err)
		}

		name := path.Clean(header.Name)
		parts := strings.Split(name, "/")

		switch {
		case len(parts) == 2 && parts[1] == runFileName:
			if err := json.Unmarshal(buf.Bytes(), &bundle.Run); err != nil {
				return model.Bundle{}, fmt.Errorf("unmarshal %q: %w", name, err)
			}
			hasRun = true
		case len(parts) == 3 && parts[2] == resultFileName:
			var result model.Result
			if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
				return model.Bundle{}, fmt.Errorf("unmarshal %q: %w", name, err)
			}
			if result.Metadata == nil {
				result.Metadata = model.Metadata{}
			}
			resultSeen[result.ID] = true
			bundle.Results = append(bundle.Results, result)
		case len(parts) == 2 || len(parts) == 3:
			artifacts = append(artifacts, entry{name: name, content: buf.Bytes()})
		}
	}

	if !hasRun {
		return model.Bundle{}, fmt.Errorf("archive has no %s", runFileName)
	}
	if bundle.Run.Metadata == nil {
		bundle.Run.Metadata = model.Metadata{}
	}

	for _, a := range artifacts {
		parts := strings.Split(a.name, "/")
		if parts[0] != bundle.Run.ID {
			continue
		}

		resultID := ""
		if len(parts) == 3 {
			resultID = parts[1]
			if !resultSeen[resultID] {
				continue
			}
		}

		bundle.Artifacts = append(bundle.Artifacts, model.NewArtifact(bundle.Run.ID, resultID, parts[len(parts)-1], a.content))
	}

	return bundle, nil
}

// FindArchives lists the `<uuid>.tar.gz` archives in dir, sorted by name.
func FindArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	archives := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && archiveName.MatchString(e.Name()) {
			archives = append(archives, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(archives)

	return archives, nil
}
