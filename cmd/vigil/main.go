package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/differs"
	"github.com/ternarybob/vigil/internal/hooks"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/orchestrator"
	"github.com/ternarybob/vigil/internal/reports"
	"github.com/ternarybob/vigil/internal/storage"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	jobsFile     = flag.String("jobs", "", "Job list file path (default: auto-discovered)")
	listJobs     = flag.Bool("list", false, "List jobs and exit")
	gcDatabase   = flag.Bool("gc-database", false, "Drop snapshot history for jobs no longer in the job list, then exit")
	cleanCache   = flag.Bool("clean-cache", false, "Apply database.max_snapshots retention to all jobs, then exit")
	rollbackTo   = flag.Int64("rollback-database", 0, "Drop all snapshots newer than this Unix timestamp, then exit")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Vigil version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Auto-discover config: working directory first, then XDG config dir
	if len(configFiles) == 0 {
		if _, err := os.Stat("vigil.yaml"); err == nil {
			configFiles = append(configFiles, "vigil.yaml")
		} else if path := common.DefaultConfigPath(); fileExists(path) {
			configFiles = append(configFiles, path)
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	if err := run(config, logger); err != nil {
		logger.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}

func run(config *common.Config, logger arbor.ILogger) error {
	if err := hooks.Activate(common.DefaultHooksPath(), logger); err != nil {
		return err
	}

	jobs, err := loadJobs(config, logger)
	if err != nil {
		return err
	}

	if *listJobs {
		for i, job := range jobs {
			fmt.Printf("%3d: %s\n", i+1, job.PrettyName())
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	store, err := storage.NewSnapshotStorage(config, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case *gcDatabase:
		known := make([]string, len(jobs))
		for i, job := range jobs {
			known[i] = job.Fingerprint()
		}
		dropped, err := store.GC(ctx, known, 1)
		if err != nil {
			return fmt.Errorf("database gc failed: %w", err)
		}
		logger.Info().Int("dropped", len(dropped)).Msg("Database gc complete")
		return nil

	case *cleanCache:
		retain := config.Database.MaxSnapshots
		if retain < 1 {
			retain = 1
		}
		removed, err := store.CleanAll(ctx, retain)
		if err != nil {
			return fmt.Errorf("cache clean failed: %w", err)
		}
		logger.Info().Int("removed", removed).Msg("Cache clean complete")
		return nil

	case *rollbackTo > 0:
		removed, err := store.Rollback(ctx, *rollbackTo)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info().Int("removed", removed).Int64("timestamp", *rollbackTo).Msg("Rollback complete")
		return nil
	}

	diffService, err := differs.NewService(config.Report.TZ, logger)
	if err != nil {
		return err
	}

	engine := orchestrator.New(config, store, diffService, logger)
	states, err := engine.Run(ctx, jobs)
	if err != nil {
		return err
	}

	reporter := reports.NewService(diffService, logger)
	records := reporter.Build(ctx, states)
	for _, record := range records {
		fmt.Printf("%s: %s (%s)\n", record.Verb, record.JobName, record.Location)
		if diff, ok := record.Diffs[differs.KindText]; ok && diff != "" {
			fmt.Println(diff)
			fmt.Println()
		}
	}
	logger.Info().
		Int("jobs", len(jobs)).
		Int("reported", len(records)).
		Msg("Run complete")

	// Per-run retention, when configured
	if config.Database.MaxSnapshots > 0 {
		guids := make([]string, len(jobs))
		for i, job := range jobs {
			guids[i] = job.Fingerprint()
		}
		if _, err := store.CleanCache(ctx, guids, config.Database.MaxSnapshots); err != nil {
			logger.Warn().Err(err).Msg("Snapshot retention clean failed")
		}
	}
	return nil
}

// loadJobs reads the job list and merges job defaults, more specific first
func loadJobs(config *common.Config, logger arbor.ILogger) ([]*models.Job, error) {
	path := *jobsFile
	if path == "" {
		if fileExists("jobs.yaml") {
			path = "jobs.yaml"
		} else {
			path = common.DefaultJobsPath()
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job list %s: %w", path, err)
	}
	defer f.Close()

	jobs, err := models.ParseJobs(f)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		var kindDefaults map[string]interface{}
		switch job.Kind() {
		case models.JobKindShell:
			kindDefaults = config.JobDefaults.Shell
		case models.JobKindBrowser:
			kindDefaults = config.JobDefaults.Browser
		default:
			kindDefaults = config.JobDefaults.URL
		}
		if err := job.MergeDefaults(kindDefaults); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.PrettyName(), err)
		}
		if err := job.MergeDefaults(config.JobDefaults.All); err != nil {
			return nil, fmt.Errorf("job %s: %w", job.PrettyName(), err)
		}
	}

	logger.Info().Int("count", len(jobs)).Str("path", path).Msg("Job list loaded")
	return jobs, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
