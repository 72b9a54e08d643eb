package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"whoisrdap/pkg/config"
)

func cmdCheck() *cobra.Command {
	var (
		pretty  bool
		verbose bool
		noCache bool
		ttl     string
		timeout string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "check [ip ...]",
		Short: "Look up the RDAP network holding each address (reads stdin when no args)",
		Example: `  whois-rdap check 8.8.8.8
  whois-rdap check -p 2001:4860:4860::8888 1.1.1.1
  cat ips.txt | whois-rdap check --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if verbose && !cmd.Flags().Changed("log-level") {
				log.SetLevel(log.DebugLevel)
			}
			if ttl != "" {
				if cfg.FreshnessHorizon, err = config.ParseDuration(ttl); err != nil {
					return fmt.Errorf("--ttl: %w", err)
				}
			}
			if timeout != "" {
				if cfg.FetchTimeout, err = config.ParseDuration(timeout); err != nil {
					return fmt.Errorf("--timeout: %w", err)
				}
			}
			if noCache {
				cfg.FreshnessHorizon = 0
			}
			if workers > 0 {
				cfg.Workers = workers
			}

			inputs := args
			if len(inputs) == 0 {
				if inputs, err = readInputs(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no addresses given")
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			out := cmd.OutOrStdout()
			failed := 0
			for _, o := range a.checker.CheckMany(cmd.Context(), inputs) {
				if o.Err != nil {
					failed++
					log.Error("lookup failed", "ip", o.Input, "err", o.Err)
					continue
				}
				v := a.view(o.Result)
				if verbose && v.RecordID != "" {
					fmt.Fprintln(os.Stderr, v.RecordID)
				}

				switch {
				case pretty:
					printHumanReadable(out, v)
					fmt.Fprintln(out)
				case o.Result.Found():
					if err := writeJSON(out, o.Result.RDAP); err != nil {
						return err
					}
				default:
					log.Warn("address not looked up", "ip", v.IP, "reason", v.Reason)
				}
			}

			log.Debug("check complete", "inputs", len(inputs), "failed", failed, "duration", time.Since(start))
			if failed > 0 {
				return fmt.Errorf("%d of %d lookups failed", failed, len(inputs))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&pretty, "pretty", "p", false, "print a human readable summary instead of the RDAP document")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print record ids to stderr and enable debug logging")
	flags.BoolVar(&noCache, "no-cache", false, "always fetch, still recording the result")
	flags.StringVar(&ttl, "ttl", "", "freshness horizon of cached records (e.g. 7d, 12h, 3600)")
	flags.StringVar(&timeout, "timeout", "", "bound on a single RDAP fetch (e.g. 2.5s)")
	flags.IntVar(&workers, "workers", 0, "number of concurrent lookups")
	return cmd
}

// readInputs reads one address per line, skipping blanks and # comments
func readInputs(r io.Reader) ([]string, error) {
	var inputs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		inputs = append(inputs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return inputs, nil
}
