// Command preforkd is a prefork echo server. It shows every role of the
// process tree: run it with a master and workers, send it signals with -s,
// and replace its binary without dropping connections.
package main

import (
	"fmt"
	"os"

	"github.com/ngrok/prefork"
	"github.com/ngrok/prefork/internal/echo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev"

type options struct {
	config  string
	signal  string
	test    bool
	pidFile string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(prefork.ExitFailure)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "preforkd",
		Short:         "Prefork echo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Flags(), opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "preforkd: %v\n", err)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "preforkd.toml", "configuration file")
	flags.StringVarP(&opts.signal, "signal", "s", "", "send a signal to the running master: stop, quit, reopen, reload")
	flags.BoolVarP(&opts.test, "test", "t", false, "check the configuration and exit")
	flags.StringVar(&opts.pidFile, "pid-file", "", "override pid_file from the configuration")
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "preforkd", version)
		},
	}
}

func run(flags *pflag.FlagSet, opts *options) error {
	path := prefork.ConfigPath(opts.config)
	load := func() (*prefork.Config, error) {
		cfg, err := prefork.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		applyFlags(flags, opts, cfg)
		return cfg, nil
	}

	cfg, err := prefork.ResolveConfig(path)
	if err != nil {
		return err
	}
	applyFlags(flags, opts, cfg)
	if opts.test {
		fmt.Printf("configuration file %s test is successful\n", path)
		return nil
	}

	l, logFile, err := prefork.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := prefork.New(cfg, echo.New,
		prefork.WithLogger(l),
		prefork.WithLogFile(logFile),
		prefork.WithConfigPath(path),
		prefork.WithConfigLoader(load),
		prefork.WithMetrics(prefork.NewMetrics(reg)),
		prefork.WithHelper(echo.NewHeartbeat),
		prefork.WithCustomRole("heartbeat", echo.NewHeartbeat),
	)
	if err != nil {
		return err
	}
	if opts.signal != "" {
		return app.Signal(opts.signal)
	}
	return app.Run()
}

// applyFlags lets explicitly set flags win over the configuration file, on
// startup and on every reload.
func applyFlags(flags *pflag.FlagSet, opts *options, cfg *prefork.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "pid-file":
			cfg.PidFile = opts.pidFile
		}
	})
}
