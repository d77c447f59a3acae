package diag

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/krisarmstrong/bacrouter/pkg/bvlc"
	"github.com/krisarmstrong/bacrouter/pkg/mstp"
	"github.com/krisarmstrong/bacrouter/pkg/router"
)

// Snapshot is a point-in-time, lock-free copy of every counter this
// package exposes, suitable for periodic export or diffing.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	MSTP      mstp.Snapshot `json:"mstp"`

	DiscoveredMasters int `json:"discovered_masters"`
	BDTSize           int `json:"bdt_size"`
	FDTSize           int `json:"fdt_size"`
	TransactionCount  int `json:"transaction_count"`
	AddressCount      int `json:"address_count"`
}

// Collect builds a Snapshot from the live collaborators, the same
// instant an agent's dynamic OIDs would read.
func Collect(stats *mstp.Stats, link *bvlc.Datalink, r *router.Router) Snapshot {
	now := time.Now()
	discovered := 0
	for _, found := range stats.DiscoveredMasters() {
		if found {
			discovered++
		}
	}
	return Snapshot{
		Timestamp:         now,
		MSTP:              stats.Snapshot(),
		DiscoveredMasters: discovered,
		BDTSize:           len(link.BDT.Entries()),
		FDTSize:           len(link.FDT.Entries(now)),
		TransactionCount:  r.Transactions.Len(),
		AddressCount:      len(r.Addresses.Snapshot()),
	}
}

// ExportJSON writes the snapshot to filename as indented JSON.
func ExportJSON(snap Snapshot, filename string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics snapshot: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// ExportCSV writes the snapshot to filename as a Metric,Value,Category
// table.
func ExportCSV(snap Snapshot, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"Metric", "Value", "Category"}); err != nil {
		return err
	}
	row := func(metric, value, category string) error {
		return w.Write([]string{metric, value, category})
	}

	_ = row("Timestamp", snap.Timestamp.Format(time.RFC3339), "General")
	_ = row("Frames Sent", fmt.Sprintf("%d", snap.MSTP.FramesSent), "MSTP")
	_ = row("Frames Received", fmt.Sprintf("%d", snap.MSTP.FramesReceived), "MSTP")
	_ = row("Header CRC Errors", fmt.Sprintf("%d", snap.MSTP.HeaderCRCErrors), "MSTP")
	_ = row("Data CRC Errors", fmt.Sprintf("%d", snap.MSTP.DataCRCErrors), "MSTP")
	_ = row("Length Errors", fmt.Sprintf("%d", snap.MSTP.LengthErrors), "MSTP")
	_ = row("Unknown Frames", fmt.Sprintf("%d", snap.MSTP.UnknownFrames), "MSTP")
	_ = row("Reply Timeouts", fmt.Sprintf("%d", snap.MSTP.ReplyTimeouts), "MSTP")
	_ = row("Token Pass Failures", fmt.Sprintf("%d", snap.MSTP.TokenPassFailures), "MSTP")
	_ = row("Token Loop Min", snap.MSTP.TokenLoopMin.String(), "MSTP")
	_ = row("Token Loop Max", snap.MSTP.TokenLoopMax.String(), "MSTP")
	_ = row("Token Loop Avg", snap.MSTP.TokenLoopAvg.String(), "MSTP")
	_ = row("Discovered Masters", fmt.Sprintf("%d", snap.DiscoveredMasters), "MSTP")
	_ = row("BDT Size", fmt.Sprintf("%d", snap.BDTSize), "BVLC")
	_ = row("FDT Size", fmt.Sprintf("%d", snap.FDTSize), "BVLC")
	_ = row("Transaction Count", fmt.Sprintf("%d", snap.TransactionCount), "Router")
	_ = row("Address Count", fmt.Sprintf("%d", snap.AddressCount), "Router")

	return nil
}
