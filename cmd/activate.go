// File: cmd/activate.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blazekit/blazekit/internal/events"
	"github.com/blazekit/blazekit/internal/network"
	"github.com/blazekit/blazekit/internal/observability"
	"github.com/blazekit/blazekit/internal/orchestrator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// newActivateCmd creates and configures the `activate` command.
func newActivateCmd() *cobra.Command {
	activateCmd := &cobra.Command{
		Use:   "activate [file|url]",
		Short: "Activates lazy-loaded media in an HTML document",
		Long: `Activate parses the HTML document, simulates a scroll pass of the
synthetic viewport over it, probes each deferred media source, and writes the
document back with real src/srcset/background attributes in place.

The argument may be a local file or an http(s) URL. Reads from stdin when no
argument is given.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line values override
			// the config file and environment.
			if err := viper.BindPFlag("viewport.width", cmd.Flags().Lookup("width")); err != nil {
				return err
			}
			if err := viper.BindPFlag("viewport.height", cmd.Flags().Lookup("height")); err != nil {
				return err
			}
			if err := viper.BindPFlag("pipeline.selector", cmd.Flags().Lookup("selector")); err != nil {
				return err
			}
			if err := viper.BindPFlag("pipeline.mobile_first", cmd.Flags().Lookup("mobile-first")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg := appConfig
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}

			loadAll, _ := cmd.Flags().GetBool("all")
			noNative, _ := cmd.Flags().GetBool("no-native")
			noObserver, _ := cmd.Flags().GetBool("no-observer")
			output, _ := cmd.Flags().GetString("output")

			prober := network.NewProber(cfg.NetworkCfg, logger)

			doc, source, err := readDocument(ctx, prober, args)
			if err != nil {
				return err
			}
			logger.Info("Activating document",
				zap.String("source", source),
				zap.Float64("viewport_width", cfg.ViewportCfg.Width),
				zap.Float64("viewport_height", cfg.ViewportCfg.Height))

			bus := events.NewBus(logger, 64)
			defer bus.Shutdown()

			caps := orchestrator.Capabilities{
				NativeLazy:           !noNative,
				IntersectionObserver: !noObserver,
			}

			orch := orchestrator.New(cfg, prober, bus, caps, logger)
			defer orch.Close()

			if err := orch.Attach(ctx, doc); err != nil {
				return fmt.Errorf("attach failed: %w", err)
			}

			var results orchestrator.Results
			if loadAll {
				results, err = orch.LoadAll(ctx)
			} else {
				results, err = orch.Scan(ctx)
			}
			if err != nil {
				return fmt.Errorf("activation failed: %w", err)
			}

			if err := writeDocument(doc, output); err != nil {
				return err
			}

			logger.Info("Activation complete",
				zap.String("strategy", orch.Strategy().String()),
				zap.Int("discovered", results.Discovered),
				zap.Int("native", results.Native),
				zap.Int("loaded", results.Loaded),
				zap.Int("errored", results.Errored))

			fmt.Fprintf(cmd.ErrOrStderr(), "Discovered %d, native %d, loaded %d, errored %d (%s)\n",
				results.Discovered, results.Native, results.Loaded, results.Errored, orch.Strategy())
			return nil
		},
	}

	activateCmd.Flags().StringP("output", "o", "", "Output file for the activated document. Defaults to stdout.")
	activateCmd.Flags().Bool("all", false, "Load every element regardless of viewport position.")
	activateCmd.Flags().Bool("no-native", false, "Disable native lazy-attribute handling.")
	activateCmd.Flags().Bool("no-observer", false, "Force the legacy polling loader.")

	activateCmd.Flags().Float64("width", 0, "Viewport width in CSS pixels. (Overrides config/env)")
	activateCmd.Flags().Float64("height", 0, "Viewport height in CSS pixels. (Overrides config/env)")
	activateCmd.Flags().String("selector", "", "CSS selector matching lazy elements. (Overrides config/env)")
	activateCmd.Flags().Bool("mobile-first", false, "Select breakpoints mobile-first. (Overrides config/env)")

	return activateCmd
}

// readDocument parses the input HTML from the argument or stdin. An http(s)
// argument is fetched over the prober's client so it shares the transport
// tuning and decompression of the media probes.
func readDocument(ctx context.Context, prober *network.Prober, args []string) (*html.Node, string, error) {
	if len(args) == 0 {
		doc, err := html.Parse(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse stdin: %w", err)
		}
		return doc, "stdin", nil
	}

	if strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://") {
		body, err := prober.FetchDocument(ctx, args[0])
		if err != nil {
			return nil, "", err
		}
		defer body.Close()

		doc, err := html.Parse(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse %q: %w", args[0], err)
		}
		return doc, args[0], nil
	}

	f, err := os.Open(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %q: %w", args[0], err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse %q: %w", args[0], err)
	}
	return doc, args[0], nil
}

// writeDocument renders the mutated tree to the output file or stdout.
func writeDocument(doc *html.Node, output string) error {
	if output == "" {
		return html.Render(os.Stdout, doc)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", output, err)
	}
	defer f.Close()

	if err := html.Render(f, doc); err != nil {
		return fmt.Errorf("failed to render document: %w", err)
	}
	return nil
}
