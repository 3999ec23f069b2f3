package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/hierynomus/taipan"
	home "github.com/mitchellh/go-homedir"
	"github.com/rb3ckers/requestqueue/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version string
	Commit  string
	Date    string
)

var EnvPrefix = "REQUESTQUEUE"

func RootCommand(cfg *config.Config) *cobra.Command {
	var verbosity int

	cmd := &cobra.Command{
		Use:   "requestqueue [paths...]",
		Short: "Runs API requests through the request queue",
		Long: `
Prioritised API client that:
* answers requests from a response cache when possible
* sends the rest through a pool of network workers, retrying transient failures
* holds requests back while a new session is being established

Every argument is requested with GET, relative paths are resolved against the configured host.
`,
		Version: fmt.Sprintf("%s (Built on: %s, Commit: %s)", Version, Date, Commit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch verbosity {
			case 0:
				// Nothing to do
			case 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			case 2: //nolint:gomnd
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			default:
				zerolog.SetGlobalLevel(zerolog.TraceLevel)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), cfg, args, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Print more verbose logging")

	cmd.Flags().String("host", "https://api.etilbudsavis.dk", "API host that relative request paths are resolved against")
	cmd.Flags().String("app-version", "", "Application version sent with every request")
	cmd.Flags().IntP("pool-size", "p", 4, "Number of network workers")                                        //nolint:gomnd
	cmd.Flags().Int("log-size", 16, "Number of events kept in the queue event log, 0 keeps everything")       //nolint:gomnd
	cmd.Flags().Int("max-attempts", 3, "Number of times a request is sent before its error is reported")      //nolint:gomnd
	cmd.Flags().Int("retry-backoff-ms", 250, "Wait before the first retry, doubled on every next retry")      //nolint:gomnd
	cmd.Flags().Int("retry-max-backoff-ms", 2000, "Maximum wait between retries")                             //nolint:gomnd
	cmd.Flags().Int("request-timeout-ms", 20000, "Timeout of a single network call")                          //nolint:gomnd
	cmd.Flags().Int("cache-ttl", 180, "Seconds a cached response stays fresh")                                //nolint:gomnd
	cmd.Flags().Int("cache-capacity", 1000, "Maximum number of cached responses")                             //nolint:gomnd
	cmd.Flags().Int("cache-retention", 600, "Seconds an expired response is kept for revalidation")           //nolint:gomnd
	cmd.Flags().Int("breaker-threshold", 5, "Successive failures after which a host is temporarily disabled") //nolint:gomnd
	cmd.Flags().Int("breaker-retry-after", 30, "Seconds after which a disabled host is tried again")          //nolint:gomnd
	cmd.Flags().Float64("rate-limit", 0, "Calls per second allowed per host, 0 disables limiting")
	cmd.Flags().Int("rate-burst", 10, "Calls per host allowed in a burst") //nolint:gomnd
	cmd.Flags().String("session-endpoint", "/v2/sessions", "Path on which sessions are created")
	cmd.Flags().String("credentials-file", "", "Provide a file that contains the api key and secret, separated by ':'. A session is created first when set.")
	cmd.Flags().Float64("latitude", 0, "Latitude sent with requests")
	cmd.Flags().Float64("longitude", 0, "Longitude sent with requests")
	cmd.Flags().Int("radius", 5000, "Radius in meters sent with requests") //nolint:gomnd
	cmd.Flags().Bool("sensor", false, "Whether the location comes from a sensor")
	cmd.Flags().String("metrics-listen", "", "Address to expose metrics and host status on, leave empty to disable")
	cmd.Flags().String("status-password-file", "", "Provide a file that contains username/password to protect the metrics and status endpoints. Contains 1 username/password combination separated by ':'.")

	return cmd
}

func Execute(ctx context.Context) {
	cfg := &config.Config{}
	cmd := RootCommand(cfg)

	homeFolder, err := home.Expand("~/.requestqueue")
	if err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	taipanConfig := &taipan.Config{
		DefaultConfigName:  "requestqueue",
		ConfigurationPaths: []string{".", homeFolder},
		EnvironmentPrefix:  EnvPrefix,
		AddConfigFlag:      true,
		ConfigObject:       cfg,
		PrefixCommands:     true,
	}

	t := taipan.New(taipanConfig)
	t.Inject(cmd)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Printf("🎃 %s\n", err)
		os.Exit(1)
	}
}
