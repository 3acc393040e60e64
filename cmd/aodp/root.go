package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/jsonx"
	"github.com/zeromicro/go-zero/core/logx"

	"aodp-ingest/internal/cli"
	"aodp-ingest/internal/config"
	"aodp-ingest/internal/service"
	"aodp-ingest/internal/svc"
	"aodp-ingest/pkg/confkit"
)

const defaultConfigFile = "etc/aodp.yaml"

type app struct {
	configFile string
	verbose    bool

	svcCtx *svc.ServiceContext
	facade *service.MarketHistory
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "aodp",
		Short:         "Albion Online market history ingestion",
		Long:          "aodp keeps a local market-history store in sync with the AODP database snapshot feed.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "f", "", "config file (default "+defaultConfigFile+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log the effective configuration")

	root.AddCommand(
		newStatusCmd(a),
		newUpdateCmd(a),
		newQueryCmd(a),
		newHistoryCmd(a),
		newResetCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	path := a.configFile
	if path == "" {
		path = confkit.MustProjectPath(defaultConfigFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	logx.MustSetup(cfg.Log)
	if a.verbose {
		cli.LogConfigSummary(cfg)
	}

	svcCtx, err := svc.NewServiceContext(ctx, *cfg)
	if err != nil {
		logx.Errorf("aodp: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	a.svcCtx = svcCtx
	a.facade = service.FromServiceContext(svcCtx)
	return nil
}

func (a *app) close() {
	if a.svcCtx == nil {
		return
	}
	if err := a.svcCtx.Close(); err != nil {
		logx.Errorf("aodp: close: %v", err)
	}
	a.svcCtx, a.facade = nil, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := jsonx.MarshalToString(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

// fail reports err on stderr and returns it so cobra exits non-zero.
func fail(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "aodp:", err)
	return err
}
