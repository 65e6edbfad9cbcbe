package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/edgi-govdata-archiving/wm-ia-ingest/internal/storeclient"
	"github.com/edgi-govdata-archiving/wm-ia-ingest/internal/wayback"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: wm <command> [options]

Commands:
  import ia <url>           Import archived versions of url from the Archive
  import ia-known-pages     Import archived versions of every page the Store
                            already knows about
  db list-domains           List the domains backing the Store's known pages

Run "wm <command> -h" for command-specific options.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "db":
		err = runDB(os.Args[2:])
	case "-version", "--version":
		fmt.Printf("wm %s (commit %s, built %s)\n", version, commit, date)
		return
	case "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runImport(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("import requires a subcommand: ia or ia-known-pages")
	}
	switch args[0] {
	case "ia":
		return runImportIA(args[1:])
	case "ia-known-pages":
		return runImportKnownPages(args[1:])
	default:
		return fmt.Errorf("unknown import subcommand %q", args[0])
	}
}

type importFlags struct {
	from          string
	to            string
	maintainers   string
	tags          string
	skipUnchanged string
	parallel      int
	pattern       string
	createPages   bool
	quiet         bool
}

func (f *importFlags) register(fs *flag.FlagSet, withPattern bool) {
	fs.StringVar(&f.from, "from", "", "start date: hours-ago float, or an ISO-ish datetime")
	fs.StringVar(&f.to, "to", "", "end date: hours-ago float, or an ISO-ish datetime")
	fs.StringVar(&f.maintainers, "maintainers", "", "comma-separated page maintainers")
	fs.StringVar(&f.tags, "tags", "", "comma-separated page tags")
	fs.StringVar(&f.skipUnchanged, "skip-unchanged", string(wayback.SkipUnchangedResolvedResponse), "none, response, or resolved-response")
	fs.IntVar(&f.parallel, "parallel", wayback.DefaultWorkerCount, "concurrent memento fetchers")
	if withPattern {
		fs.StringVar(&f.pattern, "pattern", "", "glob restricting which known pages to import")
	}
	fs.BoolVar(&f.createPages, "create-pages", true, "let the Store create pages it doesn't already track (ignored by ia-known-pages, which never creates pages)")
	fs.BoolVar(&f.quiet, "quiet", false, "suppress the progress bar")
}

func (f *importFlags) resolve(now time.Time) (from, to time.Time, maintainers, tags []string, skipUnchanged wayback.SkipUnchanged, err error) {
	if from, err = parseDateArgument(f.from, now); err != nil {
		return
	}
	if to, err = parseDateArgument(f.to, now); err != nil {
		return
	}
	maintainers = splitCSV(f.maintainers)
	tags = splitCSV(f.tags)

	switch wayback.SkipUnchanged(f.skipUnchanged) {
	case wayback.SkipUnchangedNone, wayback.SkipUnchangedResponse, wayback.SkipUnchangedResolvedResponse:
		skipUnchanged = wayback.SkipUnchanged(f.skipUnchanged)
	default:
		err = fmt.Errorf("--skip-unchanged must be one of `none`, `response`, or `resolved-response`")
	}
	return
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runImportIA(args []string) error {
	fs := flag.NewFlagSet("wm import ia", flag.ContinueOnError)
	var f importFlags
	f.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("wm import ia requires a URL argument")
	}
	urlPattern := fs.Arg(0)

	from, to, maintainers, tags, skipUnchanged, err := f.resolve(time.Now())
	if err != nil {
		return err
	}

	store, err := storeclient.FromEnv()
	if err != nil {
		return err
	}

	opts := wayback.ImportOptions{
		URLPatterns:   []string{urlPattern},
		From:          from,
		To:            to,
		Maintainers:   maintainers,
		Tags:          tags,
		SkipUnchanged: skipUnchanged,
		WorkerCount:   f.parallel,
		CreatePages:   f.createPages,
	}
	if !f.quiet {
		opts.CDXProgress = wayback.NewCDXProgress()
		opts.Progress = wayback.NewImportProgress(-1)
	}

	return runImportPipeline(opts, store)
}

func runImportKnownPages(args []string) error {
	fs := flag.NewFlagSet("wm import ia-known-pages", flag.ContinueOnError)
	var f importFlags
	f.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, to, maintainers, tags, skipUnchanged, err := f.resolve(time.Now())
	if err != nil {
		return err
	}

	store, err := storeclient.FromEnv()
	if err != nil {
		return err
	}

	ctx := context.Background()
	fmt.Println("Loading known pages from the monitoring datastore...")
	pages, err := listAllKnownPages(ctx, store, f.pattern)
	if err != nil {
		return err
	}
	filter, patterns := wayback.BuildKnownPagesFilter(pages)
	printDomainList(patterns)

	opts := wayback.ImportOptions{
		URLPatterns:   patterns,
		From:          from,
		To:            to,
		Maintainers:   maintainers,
		Tags:          tags,
		SkipUnchanged: skipUnchanged,
		VersionFilter: filter.Allows,
		WorkerCount:   f.parallel,
		CreatePages:   false,
	}
	if !f.quiet {
		opts.CDXProgress = wayback.NewCDXProgress()
		opts.Progress = wayback.NewImportProgress(-1)
	}

	return runImportPipeline(opts, store)
}

func runImportPipeline(opts wayback.ImportOptions, store wayback.Store) error {
	limits := wayback.NewLimiters()
	limits.SetDefault(wayback.GetMementoRateGroup, 30)

	summary, importErrs, err := wayback.ImportArchiveURLs(context.Background(), limits, store, opts)
	if err != nil {
		return err
	}

	if len(importErrs) > 0 {
		fmt.Printf("Errors: %v\n", importErrs)
	}

	pct := summary.Percentages()
	fmt.Printf("\nLoaded %d CDX records:\n"+
		"  %6d successes (%.2f%%),\n"+
		"  %6d playback errors (%.2f%%),\n"+
		"  %6d missing mementos (%.2f%%),\n"+
		"  %6d unknown errors (%.2f%%).\n",
		summary.Total,
		summary.Success, pct.SuccessPct,
		summary.Playback, pct.PlaybackPct,
		summary.Missing, pct.MissingPct,
		summary.Unknown, pct.UnknownPct,
	)
	return nil
}

func runDB(args []string) error {
	if len(args) == 0 || args[0] != "list-domains" {
		return fmt.Errorf("db requires a subcommand: list-domains")
	}
	fs := flag.NewFlagSet("wm db list-domains", flag.ContinueOnError)
	var pattern string
	fs.StringVar(&pattern, "pattern", "", "glob restricting which known pages to count")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	store, err := storeclient.FromEnv()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pages, err := listAllKnownPages(ctx, store, pattern)
	if err != nil {
		return err
	}
	_, patterns := wayback.BuildKnownPagesFilter(pages)
	printDomainList(patterns)
	return nil
}

func listAllKnownPages(ctx context.Context, store wayback.Store, pattern string) ([]wayback.KnownPage, error) {
	var pages []wayback.KnownPage
	chunk := ""
	for {
		page, err := store.ListPages(ctx, "", 1000, chunk, pattern)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page.Data...)
		if page.Next == "" {
			break
		}
		chunk = page.Next
	}
	return pages, nil
}

func printDomainList(patterns []string) {
	fmt.Printf("Found %d matching domains:\n  %s\n", len(patterns), strings.Join(patterns, "\n  "))
}
