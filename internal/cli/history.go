package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raine/smc-predict/internal/api"
	"github.com/raine/smc-predict/internal/app"
)

// historyRecord is the export shape of an upload.
type historyRecord struct {
	ID            int64   `json:"id" yaml:"id" parquet:"id"`
	CreatedAt     string  `json:"created_at,omitempty" yaml:"created_at,omitempty" parquet:"created_at,optional"`
	Prediction    string  `json:"prediction" yaml:"prediction" parquet:"prediction"`
	Confidence    float64 `json:"confidence" yaml:"confidence" parquet:"confidence"`
	OriginalPath  string  `json:"original_path" yaml:"original_path" parquet:"original_path"`
	AnnotatedPath string  `json:"annotated_path,omitempty" yaml:"annotated_path,omitempty" parquet:"annotated_path,optional"`
}

func toRecords(uploads []api.Upload) []historyRecord {
	records := make([]historyRecord, 0, len(uploads))
	for _, u := range uploads {
		r := historyRecord{
			ID:            u.ID,
			Prediction:    u.Prediction,
			Confidence:    u.Confidence,
			OriginalPath:  u.OriginalPath,
			AnnotatedPath: u.AnnotatedPath,
		}
		if u.CreatedAt != nil {
			r.CreatedAt = u.CreatedAt.UTC().Format(time.RFC3339)
		}
		records = append(records, r)
	}
	return records
}

func writeHistory(w io.Writer, format string, uploads []api.Upload) error {
	switch strings.ToLower(format) {
	case "", "table":
		renderHistory(w, uploads)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(toRecords(uploads))
	case "yaml":
		data, err := yaml.Marshal(toRecords(uploads))
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown format %q (use table, json or yaml)", format)
	}
}

// exportParquet writes the history to a parquet file.
func exportParquet(path string, uploads []api.Upload) error {
	if err := parquet.WriteFile(path, toRecords(uploads)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func newHistoryCmd(e *env) *cobra.Command {
	var format string
	var export string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List your past uploads",
		Example: `  smc-predict history
  smc-predict history --format yaml
  smc-predict history --export uploads.parquet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, closeFn, err := e.openController(nil)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ctrl.FetchHistory(withContext(cmd), app.ReportErrors); err != nil {
				if errors.Is(err, app.ErrNotAuthenticated) {
					return fmt.Errorf("not logged in, run login first")
				}
				return failure("history", err)
			}

			uploads := ctrl.State().History
			if export != "" {
				if err := exportParquet(export, uploads); err != nil {
					return err
				}
				log.Info().Str("path", export).Int("count", len(uploads)).Msg("history exported")
				return nil
			}
			return writeHistory(cmd.OutOrStdout(), format, uploads)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or yaml")
	cmd.Flags().StringVar(&export, "export", "", "write the history to a parquet file instead of printing it")
	return cmd
}
