package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/local/combinepdf/internal/jobs"
)

// parseSource turns one command-line SOURCE into a job source. "blank"
// inserts a blank page; anything else is a reference with an optional
// "#pages" suffix. The kind is left for content detection.
//
// A "#" starts a page selection only when the text after the last one is
// range syntax and the whole argument is not an existing file, so
// "scan#2.pdf" stays a file name.
func parseSource(arg string) (jobs.SourceSpec, error) {
	if arg == "" {
		return jobs.SourceSpec{}, fmt.Errorf("empty source")
	}
	if strings.EqualFold(arg, "blank") {
		return jobs.SourceSpec{Kind: jobs.KindBlank}, nil
	}
	i := strings.LastIndex(arg, "#")
	if i < 0 || !isRangeText(arg[i+1:]) || fileExists(arg) {
		return jobs.SourceSpec{Ref: arg}, nil
	}
	ref, pages := arg[:i], arg[i+1:]
	if ref == "" {
		return jobs.SourceSpec{}, fmt.Errorf("source %q: missing path", arg)
	}
	return jobs.SourceSpec{Kind: jobs.KindPDF, Ref: ref, Pages: &pages}, nil
}

func isRangeText(s string) bool {
	return strings.Trim(s, "0123456789,- \t") == ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func buildJob(m *mergeCmd) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:           "cli",
		Output:       m.Output,
		Landscape:    m.Landscape,
		Margin:       m.Margin,
		StretchSmall: m.StretchSmall,
	}
	for _, a := range m.Sources {
		s, err := parseSource(a)
		if err != nil {
			return nil, err
		}
		job.Sources = append(job.Sources, s)
	}
	return job, job.Validate()
}
