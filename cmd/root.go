// Package cmd defines the CLI commands for the crawler executable. Each
// automation entry point is a thin subcommand over the internal packages.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/app"
	"github.com/mkalish/videodb-crawler/internal/config"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context) (*app.App, error) {
	return app.New(ctx)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "videodb-crawler",
		Short: "A scheduled sitemap-driven crawler for a multi-language video site.",
		Long: `videodb-crawler discovers pages through sitemap snapshots, seeds a
sharded task store, downloads pages in time-boxed batches, offloads the HTML
to blob storage, and extracts structured metadata from the stored pages.`,

		// Runs after config is loaded but before the subcommand's RunE;
		// builds the application and injects it into the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.InitLogger(viper.GetBool("logging.development"))
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		}
		config.InitConfig()
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/videodb-crawler, $HOME/.videodb-crawler)")

	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newExtractCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	logging.InitLogger(false)

	if err := newRootCmd().Execute(); err != nil {
		logging.L.Fatal("Command execution failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func parseLangFlag(raw string) (langcode.Code, error) {
	lang, err := langcode.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("--lang: %w", err)
	}
	return lang, nil
}
