package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// MaxFileSize is the hard per-file limit for publishing (GitHub's push limit).
	MaxFileSize = 100 * 1024 * 1024

	// WarnFileSize is the soft warning threshold.
	WarnFileSize = 50 * 1024 * 1024
)

// LargeFile is one file over a size threshold.
type LargeFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// SizeReport summarises file sizes before a workspace is handed off.
type SizeReport struct {
	LargeFiles    []LargeFile `json:"large_files"`
	OversizeFiles []LargeFile `json:"oversize_files"`
	TotalSize     int64       `json:"total_size"`
	CheckedCount  int         `json:"checked_count"`
}

// CheckSizes scans the workspace, skipping dependency and build output.
func (w *Workspace) CheckSizes() (*SizeReport, error) {
	report := &SizeReport{}
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && shouldSkipDirectory(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		report.CheckedCount++
		report.TotalSize += info.Size()

		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			rel = path
		}
		f := LargeFile{Path: filepath.ToSlash(rel), Size: info.Size()}
		switch {
		case info.Size() >= MaxFileSize:
			report.OversizeFiles = append(report.OversizeFiles, f)
		case info.Size() >= WarnFileSize:
			report.LargeFiles = append(report.LargeFiles, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", w.root, err)
	}
	sort.Slice(report.OversizeFiles, func(i, j int) bool { return report.OversizeFiles[i].Path < report.OversizeFiles[j].Path })
	sort.Slice(report.LargeFiles, func(i, j int) bool { return report.LargeFiles[i].Path < report.LargeFiles[j].Path })
	return report, nil
}

// HasViolations reports files over MaxFileSize.
func (r *SizeReport) HasViolations() bool {
	return len(r.OversizeFiles) > 0
}

// String renders a one-paragraph summary.
func (r *SizeReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files, %s total", r.CheckedCount, humanize.IBytes(uint64(r.TotalSize)))
	for _, f := range r.OversizeFiles {
		fmt.Fprintf(&b, "; %s is %s (limit %s)", f.Path, humanize.IBytes(uint64(f.Size)), humanize.IBytes(MaxFileSize))
	}
	for _, f := range r.LargeFiles {
		fmt.Fprintf(&b, "; %s is large (%s)", f.Path, humanize.IBytes(uint64(f.Size)))
	}
	return b.String()
}
