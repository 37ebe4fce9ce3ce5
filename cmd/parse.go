package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arjunv/unifiedlog/internal/ingest"
	"github.com/arjunv/unifiedlog/internal/sink"
	"github.com/arjunv/unifiedlog/utils"
)

var (
	parseFormat    string
	parseLevel     string
	parseLocalTime bool
	parseDebugFile string
)

var parseCmd = &cobra.Command{
	Use:   "parse <uuidtext_path> <timesync_path> <tracev3_path> <output_path>",
	Short: "Decode tracev3 archives into SQLite, TSV, or plain-text records",
	Args:  cobra.ExactArgs(4),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		switch sink.Format(strings.ToLower(parseFormat)) {
		case sink.FormatSQLite, sink.FormatTSV, sink.FormatDefault:
			return nil
		default:
			return fmt.Errorf("unsupported --format %q (want sqlite|tsv|log)", parseFormat)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		if lvl, err := logrus.ParseLevel(parseLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.SetLevel(logrus.InfoLevel)
		}
		if parseDebugFile != "" {
			f, err := openDebugTrace(parseDebugFile)
			if err != nil {
				return fmt.Errorf("opening --debug-trace file: %w", err)
			}
			defer f.Close()
			log.SetOutput(f)
			log.SetLevel(logrus.TraceLevel)
		}

		start := time.Now()
		stats, err := ingest.Run(ingest.Options{
			UUIDTextPath: args[0],
			TimesyncPath: args[1],
			Tracev3Path:  args[2],
			OutputPath:   args[3],
			Format:       sink.Format(strings.ToLower(parseFormat)),
			LocalTime:    parseLocalTime,
			Log:          log,
		})
		if err != nil {
			return err
		}

		fmt.Printf("parsed %d file(s), emitted %d record(s), %d warning(s) in %s\n",
			stats.FilesProcessed, stats.RecordsEmitted, stats.Warnings, utils.FormatDuration(time.Since(start)))
		return nil
	},
}

func openDebugTrace(path string) (*os.File, error) {
	return os.Create(path)
}

func init() {
	parseCmd.Flags().StringVar(&parseFormat, "format", "sqlite", "output format: sqlite|tsv|log")
	parseCmd.Flags().StringVar(&parseLevel, "level", "info", "operational log level: trace|debug|info|warn|error")
	parseCmd.Flags().BoolVar(&parseLocalTime, "local-time", false, "render TSV/log timestamps in local time instead of UTC")
	parseCmd.Flags().StringVar(&parseDebugFile, "debug-trace", "", "write a verbose per-chunk/per-tracepoint trace to this file")

	parseCmd.ValidArgsFunction = utils.CompleteFilesByExtension([]string{".tracev3"}, false)

	rootCmd.AddCommand(parseCmd)
}
