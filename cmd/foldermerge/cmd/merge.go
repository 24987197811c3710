package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gwlsn/foldermerge/internal/browse"
	"github.com/gwlsn/foldermerge/internal/ffmpeg"
	"github.com/gwlsn/foldermerge/internal/history"
	"github.com/gwlsn/foldermerge/internal/jobs"
	"github.com/gwlsn/foldermerge/internal/ntfy"
)

var (
	maxConcurrent int
	assumeYes     bool
	eachSubfolder bool
	noHistory     bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <folder>...",
	Short: "Merge one or more folders into videos",
	Long: `Merge the images and videos of each folder into one video per folder.

Examples:
  foldermerge merge ~/Pictures/2024-03-trip
  foldermerge merge --each ~/Pictures/2024 --max-concurrent 3
  foldermerge merge -y a b c`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().IntVarP(&maxConcurrent, "max-concurrent", "j", 0, "folders merged at once (default from config)")
	mergeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "overwrite existing outputs without asking")
	mergeCmd.Flags().BoolVar(&eachSubfolder, "each", false, "merge every subfolder of the given folders")
	mergeCmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record results in the history database")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg := store.Config()
	log := logger.Logger

	folders, err := collectFolders(args)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		return fmt.Errorf("nothing to merge")
	}

	limit := cfg.MaxConcurrent
	if maxConcurrent > 0 {
		limit = maxConcurrent
	}

	engine := ffmpeg.NewEngine(cfg.FFmpegPath, cfg.FFprobePath, cfg.GetTempDir(), log)
	bus := jobs.NewBus()
	sched := jobs.NewScheduler(engine, store, bus, jobs.SchedulerOptions{
		MaxConcurrent: limit,
		CancelTimeout: time.Duration(cfg.CancelTimeoutMillis) * time.Millisecond,
		Job: jobs.Options{
			OutputPathTimeout: time.Duration(cfg.OutputPathTimeoutSeconds) * time.Second,
			IntegrityInterval: time.Duration(cfg.IntegrityCheckSeconds) * time.Second,
			ConfirmOverwrite:  assumeYes,
		},
		Logger: log,
	})

	var followers sync.WaitGroup
	follow := func(fn func(<-chan jobs.Event)) {
		events, _ := bus.Subscribe()
		followers.Add(1)
		go func() {
			defer followers.Done()
			fn(events)
		}()
	}

	if !noHistory {
		hist, err := history.Open(cfg.HistoryFile, log)
		if err != nil {
			log.Warn().Err(err).Msg("History disabled")
		} else {
			defer hist.Close()
			follow(hist.Follow)
		}
	}
	notifier := ntfy.NewNotifier(ntfy.NewClient(cfg.NtfyServer, cfg.NtfyTopic, cfg.NtfyToken), log)
	follow(notifier.Follow)

	ui := newConsole(sched, len(folders))
	uiEvents, _ := bus.Subscribe()
	uiDone := make(chan struct{})
	go func() {
		defer close(uiDone)
		ui.run(uiEvents)
	}()

	finished := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-finished:
			return
		}
		log.Warn().Msg("Interrupted, cancelling all jobs")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Jobs did not stop in time")
		}
	}()

	var submitted []*jobs.Job
	for _, folder := range folders {
		job, err := sched.Submit(folder)
		if err != nil {
			log.Error().Err(err).Str("folder", folder).Msg("Could not submit folder")
			continue
		}
		submitted = append(submitted, job)
	}

	if err := sched.Wait(context.Background()); err != nil {
		return err
	}
	close(finished)
	bus.Close()
	<-uiDone
	followers.Wait()

	return report(submitted)
}

// collectFolders expands --each and drops folders without media.
func collectFolders(args []string) ([]string, error) {
	var candidates []string
	for _, arg := range args {
		if !eachSubfolder {
			candidates = append(candidates, arg)
			continue
		}
		subs, err := browse.Subfolders(arg)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", arg, err)
		}
		if len(subs) == 0 {
			logger.Warn().Str("folder", arg).Msg("No subfolders with media")
		}
		candidates = append(candidates, subs...)
	}

	var folders []string
	for _, folder := range candidates {
		summary, err := browse.Summarize(folder)
		if err != nil {
			logger.Error().Err(err).Str("folder", folder).Msg("Cannot read folder")
			continue
		}
		if summary.Empty() {
			logger.Warn().Str("folder", folder).Msg("No image or video files found, skipping")
			continue
		}
		logger.Debug().
			Str("folder", summary.Path).
			Int("images", summary.Images).
			Int("videos", summary.Videos).
			Int64("bytes", summary.TotalSize).
			Msg("Folder scanned")
		folders = append(folders, summary.Path)
	}
	return folders, nil
}

func report(submitted []*jobs.Job) error {
	var failed int
	for _, job := range submitted {
		info := job.Info()
		name := filepath.Base(info.FolderPath)
		switch info.Status {
		case jobs.StatusCompleted:
			fmt.Printf("✓ %s -> %s (%s)\n", name, info.OutputPath, info.Elapsed.Round(time.Second))
		case jobs.StatusCancelled:
			fmt.Printf("- %s cancelled: %s\n", name, info.Message)
		default:
			failed++
			fmt.Printf("✗ %s failed: %s\n", name, info.Message)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d folders failed", failed, len(submitted))
	}
	return nil
}

// console renders aggregate progress and answers job prompts from stdin.
type console struct {
	sched   *jobs.Scheduler
	bar     *progressbar.ProgressBar
	percent map[string]float64
	lines   <-chan string
}

func newConsole(sched *jobs.Scheduler, expected int) *console {
	bar := progressbar.NewOptions(expected*100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Merging"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
	return &console{
		sched:   sched,
		bar:     bar,
		percent: make(map[string]float64),
		lines:   readLines(),
	}
}

// readLines feeds stdin lines to a channel so prompts can give up when the
// job they belong to ends.
func readLines() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (c *console) run(events <-chan jobs.Event) {
	for e := range events {
		switch e.Type {
		case jobs.EventProgress:
			c.percent[e.JobID] = e.Percent
			c.render()
		case jobs.EventTerminal:
			c.percent[e.JobID] = 100
			c.render()
		case jobs.EventStage:
			c.bar.Describe(fmt.Sprintf("%s: %s", filepath.Base(e.Folder), e.Stage))
		case jobs.EventOverwriteRequest:
			c.askOverwrite(e)
		case jobs.EventOutputPathRequest:
			c.askOutputPath(e)
		case jobs.EventOutputFileError:
			c.bar.Clear()
			fmt.Fprintf(os.Stderr, "output for %s became unavailable: %s\n", filepath.Base(e.Folder), e.Message)
		}
	}
	c.bar.Finish()
}

func (c *console) render() {
	var total float64
	for _, p := range c.percent {
		total += p
	}
	c.bar.Set(int(total))
}

func (c *console) askOverwrite(e jobs.Event) {
	job := c.sched.Get(e.JobID)
	if job == nil {
		return
	}
	answer, ok := c.prompt(job, fmt.Sprintf("%s already exists. Overwrite? [y/N] ", e.Path))
	if !ok {
		return
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	job.ConfirmOverwrite(answer == "y" || answer == "yes")
}

func (c *console) askOutputPath(e jobs.Event) {
	job := c.sched.Get(e.JobID)
	if job == nil {
		return
	}
	answer, ok := c.prompt(job, fmt.Sprintf("Save video for %s to [%s]: ", filepath.Base(e.Folder), e.Path))
	if !ok {
		return
	}
	if strings.TrimSpace(answer) == "" {
		answer = e.Path
	}
	job.ProvideOutputPath(answer)
}

// prompt asks question and waits for a line. It gives up when the job ends
// or stdin closes.
func (c *console) prompt(job *jobs.Job, question string) (string, bool) {
	c.bar.Clear()
	fmt.Fprint(os.Stderr, question)
	select {
	case line, ok := <-c.lines:
		return line, ok
	case <-job.Done():
		fmt.Fprintln(os.Stderr)
		return "", false
	}
}
