package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/mspsync/internal/cache"
	"github.com/JohanCodinha/mspsync/internal/config"
	"github.com/JohanCodinha/mspsync/internal/cw"
	"github.com/JohanCodinha/mspsync/internal/logger"
	"github.com/JohanCodinha/mspsync/internal/metrics"
	"github.com/JohanCodinha/mspsync/internal/sync"
)

type syncOptions struct {
	full        bool
	metricsFile string
	report      bool
}

func clientOptions(c *config.Config) cw.Options {
	return cw.Options{
		BaseURL: c.CW.BaseURL,
		Credentials: cw.Credentials{
			ClientID:   c.CW.ClientID,
			PublicKey:  c.CW.PublicKey,
			PrivateKey: c.CW.PrivateKey,
			CompanyID:  c.CW.CompanyID,
		},
		Codebase:          c.CW.Codebase,
		PageSize:          c.CW.PageSize,
		RequestsPerSecond: c.CW.RequestsPerSecond,
		MaxRetries:        c.CW.MaxRetries,
		Timeout:           c.CW.Timeout,
	}
}

func gatePolicy(c *config.Config) sync.Policy {
	return sync.Policy{
		MinInterval:        c.Sync.MinInterval,
		StalenessThreshold: c.Sync.StalenessThreshold,
		AllowFullFallback:  c.Sync.AllowFullFallback,
	}
}

func engineOptions(c *config.Config) sync.Options {
	return sync.Options{
		Engineers:     c.Sync.Engineers,
		ServiceBoards: c.Sync.ServiceBoards,
		Lookback:      c.Sync.Lookback,
		ChunkSize:     c.Sync.ChunkSize,
		BatchSize:     c.Sync.BatchSize,
	}
}

func openCache(ctx context.Context, c *config.Config) (*cache.DB, error) {
	db, err := cache.InitDB(ctx, c.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	logger.Debug("cache: opened %s", db.Path())
	return db, nil
}

// runSync runs the pipeline once if the gate allows it and prints a final
// status line: "sync complete", "sync skipped" or "sync failed".
func runSync(ctx context.Context, out io.Writer, c *config.Config, opts syncOptions) error {
	db, err := openCache(ctx, c)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := cw.New(clientOptions(c))
	if err != nil {
		return err
	}
	engine := sync.NewEngine(db, client, sync.NewGate(db, gatePolicy(c)), engineOptions(c))

	report, runErr := engine.SyncIfDue(ctx, opts.full)

	if opts.metricsFile != "" {
		if err := metrics.WriteTextfile(opts.metricsFile); err != nil {
			logger.Warn("sync: %v", err)
		}
	}

	if errors.Is(runErr, sync.ErrSyncRefused) {
		fmt.Fprintf(out, "sync skipped: %s\n", strings.TrimPrefix(runErr.Error(), sync.ErrSyncRefused.Error()+": "))
		return nil
	}

	if report != nil && opts.report {
		if err := writeYAML(out, report); err != nil {
			return err
		}
	}

	if runErr != nil {
		fmt.Fprintf(out, "sync failed: %v\n", runErr)
		return &reportedError{err: runErr}
	}
	if report.Partial() {
		fmt.Fprintf(out, "sync completed with warnings: %s\n", report.Summary())
		return nil
	}
	fmt.Fprintf(out, "sync complete: %s\n", report.Summary())
	return nil
}

// entityStatus is one row of the status output.
type entityStatus struct {
	Entity        string     `yaml:"entity"`
	Status        string     `yaml:"status"`
	LastSyncAt    *time.Time `yaml:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time `yaml:"last_attempt_at,omitempty"`
	Records       *int64     `yaml:"records,omitempty"`
	Error         string     `yaml:"error,omitempty"`
	Next          string     `yaml:"next"`
}

func runStatus(ctx context.Context, out io.Writer, c *config.Config, output string) error {
	if output != "table" && output != "yaml" {
		return fmt.Errorf("unknown output format %q: must be table or yaml", output)
	}

	db, err := openCache(ctx, c)
	if err != nil {
		return err
	}
	defer db.Close()

	gate := sync.NewGate(db, gatePolicy(c))
	rows := make([]entityStatus, 0, len(cache.Entities))
	for _, entity := range cache.Entities {
		log, err := db.GetSyncLog(ctx, entity)
		if err != nil {
			return err
		}
		decision, err := gate.ShouldSync(ctx, entity)
		if err != nil {
			return err
		}

		row := entityStatus{Entity: entity, Status: "never synced", Next: describeDecision(decision)}
		if log != nil {
			row.Status = log.Status
			row.LastSyncAt = log.LastSyncAt
			row.LastAttemptAt = &log.LastAttemptAt
			row.Records = log.RecordCount
			row.Error = log.ErrorMessage
		}
		rows = append(rows, row)
	}

	if output == "yaml" {
		return writeYAML(out, rows)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATUS\tLAST SYNC\tRECORDS\tNEXT")
	for _, r := range rows {
		last, records := "-", "-"
		if r.LastSyncAt != nil {
			last = r.LastSyncAt.Local().Format(time.DateTime)
		}
		if r.Records != nil {
			records = fmt.Sprint(*r.Records)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Entity, r.Status, last, records, r.Next)
	}
	return tw.Flush()
}

func describeDecision(d sync.Decision) string {
	if !d.Allowed {
		return "wait: " + d.Reason
	}
	return string(d.Mode)
}

// runPlan prints the gate's verdict for the next run. It always succeeds
// once the verdict is known; a refused plan is a normal outcome.
func runPlan(ctx context.Context, out io.Writer, c *config.Config) error {
	db, err := openCache(ctx, c)
	if err != nil {
		return err
	}
	defer db.Close()

	plan, err := sync.NewGate(db, gatePolicy(c)).PlanRun(ctx)
	if err != nil {
		return err
	}
	return writeYAML(out, plan)
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}
