package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"whoisrdap/pkg/config"
	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/maxmind"
	"whoisrdap/pkg/sources/rdap"
	"whoisrdap/pkg/store"
	"whoisrdap/pkg/util/logging"
	"whoisrdap/pkg/whois"
)

var (
	flagEnvFile     string
	flagStore       string
	flagLogLevel    string
	flagMMDBASN     string
	flagMMDBCountry string
)

func main() {
	root := &cobra.Command{
		Use:           "whois-rdap",
		Short:         "Look up who holds an IP address via RDAP, with a range-aware cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&flagStore, "store", "", "store endpoint (leveldb:<path>, sqlite:<path>, postgres://, mysql://, redis://)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagMMDBASN, "mmdb-asn", "", "GeoLite2-ASN database for ASN annotation")
	root.PersistentFlags().StringVar(&flagMMDBCountry, "mmdb-country", "", "GeoLite2-Country or City database for country annotation")

	root.AddCommand(cmdCheck(), cmdServe(), cmdStats(), cmdVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// loadConfig merges the dotenv file, the environment and persistent flags,
// then configures logging
func loadConfig(cmd *cobra.Command) (model.Config, error) {
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.StoreEndpoint = flagStore
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("mmdb-asn") {
		cfg.MMDBASNPath = flagMMDBASN
	}
	if flags.Changed("mmdb-country") {
		cfg.MMDBCountryPath = flagMMDBCountry
	}

	logging.Setup(cfg.LogLevel, os.Getenv(config.EnvLogFormat))
	return cfg, nil
}

// app holds everything a lookup command needs
type app struct {
	cfg     model.Config
	store   store.Store
	checker *whois.Checker
	mmdb    *maxmind.Readers
}

func newApp(ctx context.Context, cfg model.Config) (*app, error) {
	st, err := store.Open(ctx, cfg.StoreEndpoint)
	if err != nil {
		return nil, err
	}
	if st == nil {
		log.Warn("no store configured, every lookup will be fetched")
	}

	a := &app{cfg: cfg, store: st}
	if cfg.MMDBASNPath != "" || cfg.MMDBCountryPath != "" {
		a.mmdb, err = maxmind.Open(cfg.MMDBASNPath, cfg.MMDBCountryPath)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.checker = whois.New(cfg, rdap.NewClientFromConfig(cfg), st)
	log.Debug("configured",
		"store", cfg.StoreEndpoint,
		"ttl", cfg.FreshnessHorizon,
		"timeout", cfg.FetchTimeout,
		"rdap", cfg.RDAPBaseURL)
	return a, nil
}

func (a *app) Close() {
	if a.mmdb != nil {
		if err := a.mmdb.Close(); err != nil {
			log.Warn("failed to close MaxMind databases", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("failed to close store", "err", err)
		}
	}
}

func cmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "whois-rdap version %s\n", model.Version)
		},
	}
}
