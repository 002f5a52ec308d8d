package testreport

import (
	"fmt"
	"io"
	"strings"

	"github.com/raphi011/testreport/internal/config"
	"github.com/raphi011/testreport/internal/delivery"
)

// WriteHeader writes the delivery mode and the run id of the session.
func WriteHeader(w io.Writer, cfg config.Config) {
	if !cfg.Enabled() {
		return
	}

	var desc string

	switch cfg.Mode {
	case config.ModeRemote:
		desc = fmt.Sprintf("remote mode (API: %s)", cfg.ServerURL)

		extra := []string{}
		if cfg.Project != "" {
			extra = append(extra, "project: "+cfg.Project)
		}
		if cfg.Source != "local" {
			extra = append(extra, "source: "+cfg.Source)
		}
		if cfg.NoArchive {
			extra = append(extra, "archiving: disabled")
		} else {
			extra = append(extra, "archiving: enabled")
		}

		desc += " (" + strings.Join(extra, ", ") + ")"
	case config.ModeArchive:
		desc = "archive mode (local archive creation)"
	case config.ModeObjectStorage:
		desc = fmt.Sprintf("object storage mode (archive creation + upload) (bucket: %s)", cfg.Bucket)
	default:
		desc = fmt.Sprintf("unknown mode: %s", cfg.Mode)
	}

	fmt.Fprintf(w, "testreport: %s\n", desc)
	fmt.Fprintf(w, "run ID: %s\n", cfg.RunID)
}

// WriteSummary writes what delivery did, it writes nothing if delivery
// neither archived nor uploaded anything.
func WriteSummary(w io.Writer, r delivery.Report) {
	uploaded := len(r.UploadedKeys) + len(r.ExistingKeys)
	if r.ArchivePath == "" && uploaded == 0 && r.FrontendURL == "" && len(r.Warnings) == 0 {
		return
	}

	fmt.Fprintf(w, "%s testreport summary %s\n", strings.Repeat("=", 30), strings.Repeat("=", 30))

	if r.ArchivePath != "" {
		fmt.Fprintf(w, "✓ Archive created: %s\n", r.ArchivePath)
	}

	switch r.Mode {
	case config.ModeObjectStorage:
		switch {
		case len(r.UploadedKeys) > 0:
			fmt.Fprintf(w, "✓ Upload: %d file(s) uploaded to %s\n", len(r.UploadedKeys), r.Bucket)
		case len(r.ExistingKeys) > 0:
			fmt.Fprintf(w, "✓ Upload: %d file(s) already present in %s\n", len(r.ExistingKeys), r.Bucket)
		default:
			fmt.Fprintln(w, "✗ Upload failed")
		}
	case config.ModeRemote:
		if r.FrontendURL != "" {
			fmt.Fprintf(w, "✓ Results uploaded to: %s\n", r.FrontendURL)
		} else if !r.Failed() {
			fmt.Fprintln(w, "✓ Results uploaded")
		}
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "Errors encountered:")
		for _, err := range r.Warnings {
			fmt.Fprintf(w, "  - %v\n", err)
		}
	}

	fmt.Fprintln(w)
}
