package cli

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/memory"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance cycle and print the report",
	RunE:  runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, _, _, err := setup(ctx)
	if err != nil {
		return err
	}
	defer mgr.Shutdown(ctx)

	rep, err := mgr.RunMaintenance(ctx, "cli")
	if errors.Is(err, memory.ErrCycleInProgress) {
		return errors.New("a maintenance cycle is already running")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
