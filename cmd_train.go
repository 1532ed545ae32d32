package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// data dir → Dataset (parse, crop, center, scale) → Trainer epochs →
// checkpoint file, optional run store rows and /metrics endpoint.
//
// Resuming reads the model and diffusion configuration from the checkpoint
// and ignores the ones in the config file, since the weights only fit the
// architecture they were trained with. Training settings still come from
// config and flags, so a resumed run can change epochs, batch size or the
// learning rate (--new-lr).

var trainFlags = map[string]string{
	"data":         "data.dir",
	"chain":        "data.chain",
	"epochs":       "training.epochs",
	"batch-size":   "training.batch_size",
	"lr":           "training.learning_rate",
	"max-steps":    "training.max_steps",
	"checkpoint":   "training.checkpoint_path",
	"runs-db":      "training.runs_db",
	"metrics-addr": "training.metrics_addr",
	"seed":         "training.seed",
}

type trainOptions struct {
	resume     string
	newLR      float64
	noProgress bool
}

func newTrainCmd() *cobra.Command {
	var opts trainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the denoiser on a directory of PDB files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, trainFlags)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.String("data", "", "directory of .pdb/.ent files (optionally gzipped)")
	f.String("chain", "", "chain identifier to read (default: first chain)")
	f.Int("epochs", 0, "number of epochs")
	f.Int("batch-size", 0, "structures per optimizer step")
	f.Float64("lr", 0, "peak learning rate")
	f.Int("max-steps", 0, "stop after this many optimizer steps (0 = no limit)")
	f.String("checkpoint", "", "checkpoint output path")
	f.String("runs-db", "", "SQLite database recording runs (empty disables)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.Uint64("seed", 0, "seed for shuffling, timesteps and noise")
	f.StringVar(&opts.resume, "resume", "", "resume from this checkpoint")
	f.Float64Var(&opts.newLR, "new-lr", 0, "replace the learning rate when resuming")
	f.BoolVar(&opts.noProgress, "no-progress", false, "disable progress bars")
	return cmd
}

func runTrain(ctx context.Context, cfg *Config, opts trainOptions) error {
	if opts.newLR > 0 && opts.resume == "" {
		return errors.WithHint(errors.Wrap(ErrInvalidConfig, "--new-lr requires --resume"), "use --lr for a fresh run")
	}

	var (
		model *Denoiser
		ck    *Checkpoint
		err   error
	)
	if opts.resume != "" {
		ck, err = LoadCheckpoint(opts.resume)
		if err != nil {
			return err
		}
		model = ck.Model
		cfg.Model = ck.Header.Model
		cfg.Diffusion = ck.Header.Diffusion
	} else {
		model, err = NewDenoiser(cfg.Model, cfg.Diffusion.Steps)
		if err != nil {
			return err
		}
	}

	logSystemInfo(cfg)
	logger.Infow("model",
		"layers", cfg.Model.NumLayers,
		"hidden", cfg.Model.HiddenDim,
		"edges", cfg.Model.EdgePolicy,
		"parameters", model.NumParameters(),
		"schedule", cfg.Diffusion.Schedule,
		"steps", cfg.Diffusion.Steps)

	data, err := OpenDataset(cfg.Data, cfg.Model.MaxResidues)
	if err != nil {
		return err
	}

	tr, err := NewTrainer(model, cfg.Diffusion, cfg.Training, cfg.Compute)
	if err != nil {
		return err
	}
	if ck != nil {
		if err := tr.Resume(ck, opts.newLR); err != nil {
			return err
		}
	}

	if cfg.Training.RunsDB != "" {
		store, err := OpenRunStore(cfg.Training.RunsDB, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		tr.WithRunStore(store)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Training.MetricsAddr != "" {
		m := newTrainingMetrics()
		tr.WithMetrics(m)
		go func() {
			if err := m.serve(ctx, cfg.Training.MetricsAddr); err != nil {
				logger.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	if !opts.noProgress && !cfg.Log.JSON {
		tr.WithProgress(terminalProgress)
	}

	if err := tr.Run(ctx, data); err != nil {
		return err
	}

	history := tr.History()
	if len(history) > 0 {
		pterm.Success.Printf("Run %s: %d epochs, final loss %.5f\n", tr.RunID(), len(history), history[len(history)-1])
	}
	if cfg.Training.CheckpointPath != "" {
		pterm.Info.Printf("Sample with: protein-diffusion sample --checkpoint %s\n", cfg.Training.CheckpointPath)
	}
	return nil
}
