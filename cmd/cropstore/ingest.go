package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cropstore/internal/core"
	"cropstore/internal/records"
)

// ingestOptions describes the records built for every file of a directory.
type ingestOptions struct {
	Dataset        string
	Name           string
	Experiment     string
	Season         string
	Site           string
	CollectionDate string
	Info           string
	Extensions     []string
	BatchSize      int
}

func newIngestCommand(a *app) *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest <kind> <dir>",
		Short: "Upload every file under dir as a record of kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := records.KindByName(args[0])
			if !ok {
				return fmt.Errorf("unknown record kind %q", args[0])
			}
			ctx, stop := signalContext()
			defer stop()
			n, err := a.ingest(ctx, kind, args[1], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d %s records\n", n, kind.Name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Dataset, "dataset", "", "dataset name")
	f.StringVar(&opts.Name, "name", "", "model, script or procedure name")
	f.StringVar(&opts.Experiment, "experiment", "", "experiment name")
	f.StringVar(&opts.Season, "season", "", "season name")
	f.StringVar(&opts.Site, "site", "", "site name")
	f.StringVar(&opts.CollectionDate, "collection-date", "", "collection date (YYYY-MM-DD), defaults to each file's date")
	f.StringVar(&opts.Info, "info", "", "JSON object stored as record_info")
	f.StringSliceVar(&opts.Extensions, "ext", nil, "only ingest files with these extensions")
	f.IntVar(&opts.BatchSize, "batch", records.BatchSize, "records per bulk insert")
	f.Int("concurrency", 0, "records processed in parallel per bulk insert")
	f.Float64("upload-rate", 0, "maximum uploads per second, 0 for unlimited")
	return cmd
}

func (a *app) ingest(ctx context.Context, kind records.Kind, dir string, opts ingestOptions) (int, error) {
	batch, err := buildRecords(kind, dir, opts)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		a.logger.Warn("no files to ingest", "dir", dir)
		return 0, nil
	}
	svc, err := core.Open(ctx, a.cfg,
		core.WithLogger(a.logger),
		core.WithProgress(func(k records.Kind, done, total int) {
			if done == total || done%100 == 0 {
				a.logger.Info("ingest progress", "kind", k.Name, "done", done, "total", total)
			}
		}))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.logger.Error("close service", "error", err)
		}
	}()

	facade := svc.Facade(kind)
	size := max(opts.BatchSize, 1)
	inserted := 0
	for chunk := range slices.Chunk(batch, size) {
		ids, err := facade.Insert(ctx, chunk)
		if err != nil {
			return inserted, err
		}
		inserted += len(ids)
	}
	a.logger.Info("ingest finished", "kind", kind.Name, "files", len(batch), "inserted", inserted)
	return inserted, nil
}

// buildRecords walks dir and returns one record per regular file, stamped
// with the file's modification time, in lexical path order.
func buildRecords(kind records.Kind, dir string, opts ingestOptions) ([]*records.Record, error) {
	var info map[string]any
	if opts.Info != "" {
		if err := json.Unmarshal([]byte(opts.Info), &info); err != nil {
			return nil, fmt.Errorf("parse --info: %w", err)
		}
	}
	var collection time.Time
	if opts.CollectionDate != "" {
		d, err := time.Parse(records.DateLayout, opts.CollectionDate)
		if err != nil {
			return nil, fmt.Errorf("parse --collection-date: %w", err)
		}
		collection = d
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts = append(exts, "."+strings.TrimPrefix(strings.ToLower(e), "."))
	}

	var out []*records.Record
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(exts) > 0 && !slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rec := &records.Record{
			Kind:           kind,
			Timestamp:      fi.ModTime().UTC(),
			CollectionDate: collection,
			DatasetName:    opts.Dataset,
			KindName:       opts.Name,
			ExperimentName: opts.Experiment,
			SeasonName:     opts.Season,
			SiteName:       opts.Site,
			RecordFile:     path,
		}
		if info != nil {
			rec.RecordInfo = maps.Clone(info)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return out, nil
}

