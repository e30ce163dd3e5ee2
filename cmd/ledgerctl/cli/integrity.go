package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/invoicely/invoicely/internal/ledger"
)

// ExitDrift is returned when at least one product disagrees with its ledger.
const ExitDrift = 10

// IntegrityChecker reports drifted products.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]ledger.ProductBalance, error)
}

// IntegrityOptions defines flags for the integrity command.
type IntegrityOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IntegritySummary is the JSON output of the integrity command.
type IntegritySummary struct {
	OK      bool           `json:"ok"`
	Drifted []DriftedEntry `json:"drifted"`
}

// DriftedEntry describes one product whose stock disagrees with its ledger.
type DriftedEntry struct {
	ProductID string `json:"product_id"`
	OwnerID   string `json:"owner_id"`
	Stock     int64  `json:"stock"`
	LedgerSum int64  `json:"ledger_sum"`
	Drift     int64  `json:"drift"`
}

// IntegrityCommand runs the scan in-process and prints the outcome.
func IntegrityCommand(ctx context.Context, checker IntegrityChecker, opts IntegrityOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	drifted, err := checker.CheckIntegrity(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return 1
	}
	summary := IntegritySummary{OK: len(drifted) == 0, Drifted: make([]DriftedEntry, 0, len(drifted))}
	for _, b := range drifted {
		summary.Drifted = append(summary.Drifted, DriftedEntry{
			ProductID: b.ProductID,
			OwnerID:   b.OwnerID,
			Stock:     b.Stock,
			LedgerSum: b.LedgerSum,
			Drift:     b.Drift(),
		})
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "integrity: encode json: %v\n", err)
			return 1
		}
	} else {
		renderIntegrityHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitDrift
	}
	return 0
}

func renderIntegrityHuman(w io.Writer, summary IntegritySummary) {
	if summary.OK {
		_, _ = fmt.Fprintln(w, "ledger consistent: every product matches its ledger sum")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PRODUCT\tOWNER\tSTOCK\tLEDGER\tDRIFT")
	for _, d := range summary.Drifted {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%+d\n", d.ProductID, d.OwnerID, d.Stock, d.LedgerSum, d.Drift)
	}
	_ = tw.Flush()
}
