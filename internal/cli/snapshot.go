package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/tier"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the long-term tier to a JSON snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importOverwrite bool

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON snapshot into the long-term tier",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "replace memories that already exist")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, _, _, err := setup(ctx)
	if err != nil {
		return err
	}
	defer mgr.Shutdown(ctx)

	snap, err := mgr.LTM().ExportSnapshot(ctx, nil, 0, 0)
	if err != nil {
		return err
	}

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create snapshot file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d memories, %d relationships\n",
		len(snap.Items), len(snap.Relationships))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	var snap tier.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	mgr, _, _, err := setup(ctx)
	if err != nil {
		return err
	}
	defer mgr.Shutdown(ctx)

	counts, err := mgr.LTM().RestoreSnapshot(ctx, &snap, importOverwrite)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "imported %d memories, %d relationships, %d category links (%d skipped)\n",
		counts.Items, counts.Relationships, counts.Categories, counts.Skipped)
	return nil
}
