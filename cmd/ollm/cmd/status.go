package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/monitor"
	"github.com/Tecet/ollm-cli/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory, model, and the computed context ceiling",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := monitor.New(cfg.MonitorConfig()).Query()
	pool := ctxmgr.NewPool(info, cfg.ModelInfo(), cfg.PoolConfig())

	fmt.Printf("model       %s (%.1fB params, %s)\n",
		cfg.Model.Name, cfg.Model.ParamsBillions, cfg.Model.Quantization)
	fmt.Printf("backend     %s\n", cfg.Backend.Kind)
	if info.TotalBytes > 0 {
		fmt.Printf("memory      %s available of %s (%s)\n",
			formatBytes(info.AvailableBytes), formatBytes(info.TotalBytes), info.Source)
	} else {
		fmt.Println("memory      unknown, no probe succeeded")
	}

	sizing := "fixed"
	if cfg.Pool.AutoSize {
		sizing = "auto-sized"
	}
	fmt.Printf("ceiling     %d tokens (%s)\n", pool.Ceiling(), sizing)
	fmt.Printf("thresholds  soft %.0f%%, hard %.0f%%, critical %.0f%%\n",
		cfg.Thresholds.Soft*100, cfg.Thresholds.Hard*100, cfg.Thresholds.Critical*100)

	store, err := storage.OpenDefault()
	if err != nil {
		// Status stays useful without the store.
		return nil
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), 5, 0)
	if err != nil || len(sessions) == 0 {
		return nil
	}
	fmt.Println("recent sessions")
	for _, s := range sessions {
		fmt.Printf("  %s  %s  %d msgs  %d tokens  %s\n",
			s.ID, s.Model, s.MessageCount, s.TokenCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.0f MiB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
