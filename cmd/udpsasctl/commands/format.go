// Package commands implements the udpsasctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/udpsas/internal/probe"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatResult renders a probe result in the requested format.
func formatResult(res probe.Result, format string) (string, error) {
	switch format {
	case formatTable:
		return formatResultTable(res)
	case formatJSON:
		out, err := json.MarshalIndent(resultToView(res), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal result to JSON: %w", err)
		}
		return string(out) + "\n", nil
	case formatYAML:
		out, err := yaml.Marshal(resultToView(res))
		if err != nil {
			return "", fmt.Errorf("marshal result to YAML: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatResultTable(res probe.Result) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSOURCE\tSENT\tRECEIVED\tLOSS\tMISMATCHED\tDUP\tMIN\tAVG\tMAX")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\t%d\t%d\t%s\t%s\t%s\n",
		res.Target,
		res.Source,
		res.Sent,
		res.Received,
		res.Loss()*100,
		res.Mismatched,
		res.Duplicates,
		formatRTT(res.MinRTT),
		formatRTT(res.AvgRTT),
		formatRTT(res.MaxRTT),
	)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}
	return buf.String(), nil
}

// resultView is the JSON/YAML representation of a probe result.
type resultView struct {
	Target     string  `json:"target"      yaml:"target"`
	Source     string  `json:"source"      yaml:"source"`
	Sent       int     `json:"sent"        yaml:"sent"`
	Received   int     `json:"received"    yaml:"received"`
	Loss       float64 `json:"loss"        yaml:"loss"`
	Mismatched int     `json:"mismatched"  yaml:"mismatched"`
	Duplicates int     `json:"duplicates"  yaml:"duplicates"`
	MinRTT     string  `json:"min_rtt"     yaml:"min_rtt"`
	AvgRTT     string  `json:"avg_rtt"     yaml:"avg_rtt"`
	MaxRTT     string  `json:"max_rtt"     yaml:"max_rtt"`
}

func resultToView(res probe.Result) resultView {
	return resultView{
		Target:     res.Target.String(),
		Source:     res.Source.String(),
		Sent:       res.Sent,
		Received:   res.Received,
		Loss:       res.Loss(),
		Mismatched: res.Mismatched,
		Duplicates: res.Duplicates,
		MinRTT:     formatRTT(res.MinRTT),
		AvgRTT:     formatRTT(res.AvgRTT),
		MaxRTT:     formatRTT(res.MaxRTT),
	}
}

func formatRTT(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
