package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPredictCmd(e *env) *cobra.Command {
	var saveAnnotated string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Upload a chart image and show the predicted signal",
		Example: `  smc-predict predict chart.png
  smc-predict predict chart.png --save-annotated chart-annotated.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ctrl.SelectPath(args[0]); err != nil {
				return err
			}
			ctx := withContext(cmd)
			pred, err := ctrl.Predict(ctx)
			if err != nil {
				return failure("predict", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(pred); err != nil {
					return err
				}
			} else {
				renderPrediction(out, pred)
			}

			if saveAnnotated != "" {
				if pred.AnnotatedPath == "" {
					return fmt.Errorf("the server returned no annotated image")
				}
				data, err := ctrl.FetchAnnotated(ctx, pred.AnnotatedPath)
				if err != nil {
					return failure("download", err)
				}
				if err := os.WriteFile(saveAnnotated, data, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", saveAnnotated, err)
				}
				log.Info().Str("path", saveAnnotated).Int("size", len(data)).Msg("annotated image saved")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&saveAnnotated, "save-annotated", "", "write the annotated image to this path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw prediction as JSON")
	return cmd
}
