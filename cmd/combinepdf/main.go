package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/local/combinepdf/internal/assembler"
	cfgpkg "github.com/local/combinepdf/internal/config"
	"github.com/local/combinepdf/internal/dispatcher"
	"github.com/local/combinepdf/internal/filetype"
	logpkg "github.com/local/combinepdf/internal/logger"
	"github.com/local/combinepdf/internal/pagerange"
	"github.com/local/combinepdf/internal/resource"
	"github.com/local/combinepdf/internal/storage"
)

type mergeCmd struct {
	Output       string   `arg:"-o,--output,required" help:"Output PDF file or s3:// reference"`
	Landscape    bool     `arg:"--landscape" help:"Use landscape A4 for image and blank pages"`
	Margin       float64  `arg:"--margin" help:"Margin around images in points"`
	StretchSmall bool     `arg:"--stretch-small" help:"Enlarge images smaller than the page"`
	Quiet        bool     `arg:"-q,--quiet" help:"Do not show a progress bar"`
	Sources      []string `arg:"positional,required" help:"PATH[#PAGES], blank, or an http(s):// or s3:// reference"`
}

type rangesCmd struct {
	Total int    `arg:"-t,--total,required" help:"Number of pages in the document"`
	Text  string `arg:"positional,required" help:"Page ranges, e.g. \"1-3, 5, 2\""`
}

type args struct {
	Merge    *mergeCmd  `arg:"subcommand:merge" help:"Combine PDFs, images and blank pages into one PDF"`
	Ranges   *rangesCmd `arg:"subcommand:ranges" help:"Check a page range expression"`
	LogLevel string     `arg:"--log-level,env:LOG_LEVEL" default:"warn" help:"Log level"`
}

func (args) Description() string {
	return "combinepdf assembles PDF documents from pages of other PDFs, images and blank pages."
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	if err := logpkg.Init(logpkg.Options{Service: "combinepdf-cli", Level: a.LogLevel, Pretty: true, Output: os.Stderr}); err != nil {
		fmt.Fprintln(os.Stderr, "error: init logging:", err)
		os.Exit(1)
	}
	defer logpkg.Close()

	var err error
	switch {
	case a.Ranges != nil:
		err = runRanges(a.Ranges)
	case a.Merge != nil:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = runMerge(ctx, a.Merge)
		stop()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		logpkg.Close()
		os.Exit(1)
	}
}

func runRanges(c *rangesCmd) error {
	expr, err := pagerange.Parse(c.Text, c.Total)
	if err != nil {
		return err
	}
	for _, iv := range expr {
		if iv.Len() == 1 {
			fmt.Printf("page %d\n", iv.End)
		} else {
			fmt.Printf("pages %d-%d\n", iv.Start+1, iv.End)
		}
	}
	fmt.Println(pagerange.FormatCount(expr.Pages()))
	return nil
}

func runMerge(ctx context.Context, c *mergeCmd) error {
	cfg := cfgpkg.Load()
	c.Landscape = c.Landscape || cfg.Render.Landscape
	c.StretchSmall = c.StretchSmall || cfg.Render.StretchSmall
	if c.Margin == 0 {
		c.Margin = cfg.Render.Margin
	}

	job, err := buildJob(c)
	if err != nil {
		return err
	}

	opts := resource.Options{
		TempDir:    cfg.Storage.TempDir,
		HTTPClient: &http.Client{Timeout: cfg.Storage.FetchTimeout},
		MaxBytes:   cfg.Storage.MaxFetchBytes,
	}
	if needsObjectStore(c) {
		s3c, err := storage.NewS3Client(ctx, storage.Options{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UsePathStyle:    cfg.Storage.UsePathStyle,
		})
		if err != nil {
			return err
		}
		opts.Store = s3c
	}
	ws, err := resource.NewWorkspace(opts)
	if err != nil {
		return err
	}
	defer ws.Close()

	var bar *progressbar.ProgressBar
	progress := func(done, total int, src assembler.Source) {
		if c.Quiet {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Assembling"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Describe(src.String())
		_ = bar.Set(done)
	}

	res, err := dispatcher.Execute(ctx, job, c.Output, ws, filetype.New(), progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		if errors.Is(err, assembler.ErrNoPages) {
			return fmt.Errorf("nothing to write: every source selects zero pages")
		}
		return err
	}
	log.Debug().Str("output", res.Path).Int("pages", res.Pages).Dur("duration", res.Duration).Msg("merge finished")
	fmt.Printf("wrote %s to %s\n", pagerange.FormatCount(res.Pages), res.Path)
	return nil
}

func needsObjectStore(c *mergeCmd) bool {
	if strings.HasPrefix(c.Output, "s3://") {
		return true
	}
	for _, s := range c.Sources {
		if strings.HasPrefix(s, "s3://") {
			return true
		}
	}
	return false
}
