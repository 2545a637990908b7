package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"waitroom-intake/internal/client"
	"waitroom-intake/internal/config"
	"waitroom-intake/internal/terminal"
)

func main() {
	var (
		configPath string
		baseURL    string
		verbose    bool
	)
	root := &cobra.Command{
		Use:          "chat",
		Short:        "Terminal front end for the waiting-room intake chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)
			if baseURL == "" {
				baseURL = cfg.Client.BaseURL
			}

			renderer := terminal.NewRenderer(cmd.OutOrStdout())
			conv, err := client.New(baseURL,
				client.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout}),
				client.WithCallbacks(renderer.Callbacks()),
				client.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer conv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return terminal.Run(ctx, conv, renderer, cmd.InOrStdin())
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")
	root.Flags().StringVar(&baseURL, "url", "", "backend base URL (default from INTAKE_BASE_URL)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log client activity to stderr")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
