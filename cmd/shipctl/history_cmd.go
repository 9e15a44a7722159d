package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signapse/shipyard/pkg/ledger"
)

type historyOpts struct {
	*rootOpts
	service     string
	environment string
	latest      bool
	asJSON      bool
}

func newHistory(parent *rootOpts) *historyOpts {
	return &historyOpts{rootOpts: parent}
}

func (opts *historyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the release history of a target, newest first",
		Example: makeExample(
			"shipctl history --service checkout-api --environment production",
			"shipctl history --service checkout-api --environment production --latest",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "service whose history to show")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "environment the target lives in")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "show only the newest record")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "emit records as JSON")
	return cmd
}

func (opts *historyOpts) RunE(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.service == "" {
		return newUsageError("please supply a service with --service")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	db, err := opts.newLedger(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	targetID := opts.service
	if opts.environment != "" {
		targetID = opts.environment + "/" + opts.service
	}

	ctx := context.Background()
	var records []ledger.Record
	if opts.latest {
		rec, err := db.Latest(ctx, targetID)
		if err != nil {
			return err
		}
		records = []ledger.Record{*rec}
	} else {
		if records, err = db.History(ctx, targetID); err != nil {
			return err
		}
		if len(records) == 0 {
			return ledger.ErrNoHistory
		}
	}

	if opts.asJSON {
		return outputJSON(records, "")
	}
	out := newTabwriter()
	fmt.Fprintln(out, "TIME\tSTATUS\tVERSION\tACTOR\tMESSAGE")
	for _, rec := range records {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.Format(time.RFC822), rec.Status, rec.Version, rec.Actor, rec.Message)
	}
	out.Flush()
	return nil
}
