package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"

	historypersist "aodp-ingest/internal/persistence/history"
	"aodp-ingest/internal/service"
	ingestpkg "aodp-ingest/pkg/ingest"
)

func newStatusCmd(a *app) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store coverage and, with --remote, pending snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.facade.Status(cmd.Context(), remote)
			if err != nil {
				return fail(cmd, err)
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "consult the dump index for available updates")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		maxSnapshots int
		inline       bool
		poll         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download and import new snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll <= 0 {
				return fail(cmd, fmt.Errorf("--poll must be positive, got %s", poll))
			}
			ctx := cmd.Context()
			if inline {
				res, err := a.facade.RunUpdate(ctx, maxSnapshots)
				if err != nil {
					return fail(cmd, err)
				}
				return printJSON(cmd, res)
			}

			started := a.facade.StartUpdate(ctx, maxSnapshots)
			if !started.Started {
				return fail(cmd, ingestpkg.ErrRunActive)
			}
			logx.Infof("aodp: update %s started", started.RunID)
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			var last string
			for {
				run := a.facade.Progress()
				if run.Message != last {
					last = run.Message
					fmt.Fprintf(cmd.ErrOrStderr(), "[%5.1f%%] %s\n", run.ProgressPct, run.Message)
				}
				if run.Status != ingestpkg.StatusRunning {
					if err := printJSON(cmd, run); err != nil {
						return err
					}
					if run.Status == ingestpkg.StatusFailed {
						return errors.New(run.Message)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return fail(cmd, fmt.Errorf("interrupted while update %s is running", started.RunID))
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().IntVarP(&maxSnapshots, "max", "n", 0, "maximum snapshots to import (default from config)")
	cmd.Flags().BoolVar(&inline, "inline", false, "run in the foreground and print only the result")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "progress polling interval")
	return cmd
}

type filterFlags struct {
	item      string
	cities    string
	quality   int
	startDate string
	endDate   string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.item, "item", "i", "", "item unique name, e.g. T4_BAG")
	cmd.Flags().StringVarP(&f.cities, "cities", "c", "", "comma separated locations")
	cmd.Flags().IntVarP(&f.quality, "quality", "q", 0, "quality level (0 for all)")
	cmd.Flags().StringVar(&f.startDate, "start", "", "inclusive start date or timestamp")
	cmd.Flags().StringVar(&f.endDate, "end", "", "inclusive end date or timestamp")
	_ = cmd.MarkFlagRequired("item")
}

func (f *filterFlags) qualityPtr() *int {
	if f.quality <= 0 {
		return nil
	}
	q := f.quality
	return &q
}

func newQueryCmd(a *app) *cobra.Command {
	var (
		flags filterFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List raw history records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.facade.Query(cmd.Context(), historypersist.Filter{
				ItemID:    flags.item,
				Locations: service.ParseCities(flags.cities),
				Quality:   flags.qualityPtr(),
				StartDate: flags.startDate,
				EndDate:   flags.endDate,
				Limit:     limit,
			})
			if err != nil {
				return fail(cmd, err)
			}
			return printJSON(cmd, records)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", historypersist.DefaultQueryLimit, "maximum records")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		flags       filterFlags
		granularity string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Aggregate history into hourly, daily, weekly or monthly buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.facade.History(cmd.Context(), service.HistoryRequest{
				Item:        flags.item,
				Cities:      flags.cities,
				Quality:     flags.qualityPtr(),
				StartDate:   flags.startDate,
				EndDate:     flags.endDate,
				Granularity: historypersist.Granularity(granularity),
			})
			if err != nil {
				return fail(cmd, err)
			}
			return printJSON(cmd, report)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&granularity, "granularity", "g", string(historypersist.Daily), "hourly|daily|weekly|monthly")
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var (
		keepDownloads bool
		yes           bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored record and import entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fail(cmd, errors.New("reset is destructive; pass --yes to confirm"))
			}
			report, err := a.facade.Reset(cmd.Context(), !keepDownloads)
			if err != nil {
				return fail(cmd, err)
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&keepDownloads, "keep-downloads", false, "keep downloaded snapshot files")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
