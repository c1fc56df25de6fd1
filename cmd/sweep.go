package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/habedi/tokenkeeper/sweep"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	var loop, quiet bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Refresh every token that expires within the threshold",
		Long: "Refresh every token that expires within the refresh threshold. With --loop the sweep " +
			"repeats every TOKENKEEPER_SWEEP_INTERVAL until the process is interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := newSweeper(svc)
			if metricsAddr != "" {
				_, stop, err := serveMetrics(metricsAddr, sweeper)
				if err != nil {
					return toCLIError("start metrics listener", err)
				}
				defer stop()
			}

			var bar *progressbar.ProgressBar
			if !quiet {
				sweeper.OnProgress = func(done, total int) {
					if bar == nil || done == 1 {
						bar = progressbar.NewOptions(total,
							progressbar.OptionSetWriter(cmd.ErrOrStderr()),
							progressbar.OptionSetDescription("Refreshing tokens..."),
							progressbar.OptionSetWidth(20),
							progressbar.OptionShowCount(),
							progressbar.OptionClearOnFinish(),
						)
					}
					_ = bar.Set(done)
					if done == total {
						_ = bar.Finish()
					}
				}
			}

			if loop {
				sweeper.OnReport = func(r sweep.Report) { printReport(cmd, r) }
				if err := sweeper.Run(cmd.Context()); err != nil {
					return toCLIError("sweep", err)
				}
				return nil
			}

			report, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return toCLIError("sweep", err)
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "Keep sweeping on an interval until interrupted")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress bar")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// printReport prints the totals of one sweep and a table of the accounts that were not refreshed.
func printReport(cmd *cobra.Command, r sweep.Report) {
	cmd.Printf("Sweep %s: checked %d, refreshed %d, invalidated %d, deferred %d, failed %d (took %s).\n",
		r.RunID, r.Checked, r.Refreshed, r.Invalidated, r.Deferred, r.Failed,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	var problems [][]string
	for _, res := range r.Results {
		if res.Outcome == sweep.OutcomeRefreshed {
			continue
		}
		reason := "-"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		problems = append(problems, []string{fmt.Sprint(res.AccountID), res.Platform, string(res.Outcome), reason})
	}
	if len(problems) == 0 {
		return
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Account ID", "Platform", "Outcome", "Reason"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.AppendBulk(problems)
	table.Render()
}

// serveMetrics attaches fresh collectors to the sweeper and serves them on addr.
// It returns the bound address and a function that stops the listener.
func serveMetrics(addr string, sweeper *sweep.Sweeper) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	reg := prometheus.NewRegistry()
	sweeper.Metrics = sweep.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Serving sweep metrics")

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics listener did not shut down cleanly")
		}
	}, nil
}
