// Package sink writes reconstructed log records to an output format: a
// SQLite database, a tab-separated file, or plain LOG_DEFAULT text (spec
// §6 "Sink contract").
package sink

import (
	"fmt"

	"github.com/arjunv/unifiedlog/internal/model"
)

// Format selects the output writer a Sink wraps.
type Format string

const (
	FormatSQLite  Format = "sqlite"
	FormatTSV     Format = "tsv"
	FormatDefault Format = "log"
)

// Sink is the three-operation output contract spec §6 describes: open,
// write (batched or one at a time), and a closing commit.
type Sink interface {
	Open() error
	WriteBatch(records []*model.LogRecord) error
	WriteOne(record *model.LogRecord) error
	Close() error
}

// New constructs the Sink for format, writing to path.
func New(format Format, path string, localTime bool) (Sink, error) {
	switch format {
	case FormatSQLite:
		return newSQLiteSink(path)
	case FormatTSV:
		return newTSVSink(path, localTime)
	case FormatDefault:
		return newLogDefaultSink(path, localTime)
	default:
		return nil, fmt.Errorf("sink: unknown format %q", format)
	}
}
