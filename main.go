package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalFlags map persistent flags onto config keys.
var globalFlags = map[string]string{
	"log-level": "log.level",
	"log-json":  "log.json",
	"workers":   "compute.workers",
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "protein-diffusion",
		Short: "Denoising diffusion over protein backbone coordinates",
		Long: `protein-diffusion trains an E(n)-equivariant graph network to denoise
protein backbone coordinates (N, CA, C, O per residue) and samples new
backbones by running the reverse diffusion process.

Examples:
  protein-diffusion train --data ./pdb --epochs 50
  protein-diffusion train --resume checkpoints/model.ckpt --new-lr 1e-6
  protein-diffusion sample --checkpoint checkpoints/model.ckpt --residues 80 -n 4
  protein-diffusion rmsd a.pdb b.pdb
  protein-diffusion runs ls`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default: protein-diffusion.{toml,yaml,json} in this or a parent directory)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.Bool("log-json", false, "log as JSON")
	pf.Int("workers", 0, "worker goroutines (0 = physical cores)")

	root.AddCommand(
		newTrainCmd(),
		newSampleCmd(),
		newRMSDCmd(),
		newRunsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the configuration for cmd, binding its flags listed in
// bindings, and initializes logging and the compute settings from it.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags(), globalFlags); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd.Flags(), bindings); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(v)
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return nil, err
	}
	SetGlobalComputeConfig(cfg.Compute)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debugw("loaded config file", "path", used)
	}
	return cfg, nil
}

// logSystemInfo reports the resources training will run with.
func logSystemInfo(cfg *Config) {
	fields := []any{"compute", cfg.Compute.String()}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			"mem_total_gb", float64(vm.Total)/(1<<30),
			"mem_available_gb", float64(vm.Available)/(1<<30))
	}
	logger.Infow("system", fields...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "protein-diffusion", version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	syncLogger()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
