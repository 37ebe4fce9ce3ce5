package cmd

import "testing"

func TestParseCmdPreRunEAcceptsKnownFormats(t *testing.T) {
	for _, format := range []string{"sqlite", "tsv", "log", "SQLITE", "Tsv"} {
		parseFormat = format
		if err := parseCmd.PreRunE(parseCmd, nil); err != nil {
			t.Errorf("PreRunE(%q): unexpected error: %v", format, err)
		}
	}
}

func TestParseCmdPreRunERejectsUnknownFormat(t *testing.T) {
	parseFormat = "xml"
	if err := parseCmd.PreRunE(parseCmd, nil); err == nil {
		t.Fatal("expected error for unsupported --format value")
	}
}
