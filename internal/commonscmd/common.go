// Package commonscmd holds the cobra commands of the beeldbank CLI.
package commonscmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/config"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/runreport"
)

// Options are the global flags shared by every command.
type Options struct {
	ConfigPath     string
	StorePath      string
	ExclusionsPath string
	Verbose        bool
}

// loadConfig reads the configuration and applies the global flag overrides.
func (o *Options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.StorePath != "" {
		cfg.Store.Path = o.StorePath
	}
	if o.ExclusionsPath != "" {
		cfg.ExclusionsPath = o.ExclusionsPath
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*records.Store, error) {
	store, err := records.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	slog.Info("Record store loaded", "path", cfg.Store.Path, "records", store.Len())
	return store, nil
}

// connect creates a client and logs in.
func connect(ctx context.Context, cfg *config.Config) (*commons.Client, error) {
	client, err := commons.New(commons.Options{
		APIURL:            cfg.Commons.APIURL,
		Username:          cfg.Commons.Username,
		Password:          cfg.Commons.Password,
		UserAgent:         cfg.Commons.UserAgent,
		Timeout:           cfg.Commons.Timeout,
		RequestsPerSecond: cfg.Commons.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func retrier(cfg *config.Config) *pipeline.Retrier {
	return &pipeline.Retrier{Policy: cfg.Policy(), Sleeper: pipeline.RealSleeper}
}

// parseRange reads the <start> <end> arguments of --batch.
func parseRange(args []string) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("--batch needs <start> <end>, got %d arguments", len(args))
	}
	start, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q: %w", args[0], err)
	}
	end, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q: %w", args[1], err)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	return start, end, nil
}

// readIDs reads one record id per line. Blank lines and lines starting with
// # are ignored.
func readIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id file: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id file: %w", err)
	}
	return ids, nil
}

// seconds converts a --delay value.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// finish prints the summary, writes the run report and turns fatal
// failures into the command error.
func finish(cfg *config.Config, run runreport.RunConfig, summary *pipeline.Summary) error {
	summary.Print()

	run.Store = cfg.Store.Path
	run.MaxRetries = cfg.Retry.MaxRetries
	run.BaseDelay = cfg.Retry.BaseDelay.String()
	run.Multiplier = cfg.Retry.Multiplier
	path, err := runreport.New(run, summary).Save(cfg.ReportDir, summary.Kind, time.Now())
	if err != nil {
		slog.Warn("Failed to write run report", "error", err)
	} else {
		fmt.Printf("\nRun report saved to: %s\n", path)
	}

	return summary.Err()
}
