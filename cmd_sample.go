package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var sampleFlags = map[string]string{
	"checkpoint":  "sampling.checkpoint",
	"residues":    "sampling.residues",
	"num-samples": "sampling.num_samples",
	"output":      "sampling.output_dir",
	"seed":        "sampling.seed",
	"init-scale":  "sampling.init_scale",
	"noise-scale": "sampling.noise_scale",
	"clip":        "sampling.clip_range",
	"coord-scale": "data.coord_scale",
}

func newSampleCmd() *cobra.Command {
	var noProgress bool
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate backbones with a trained checkpoint",
		Long: `Runs the reverse diffusion process from Gaussian noise and writes each
sample as a PDB file of glycine residues. Coordinates are multiplied by
data.coord_scale to undo the training normalization.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, sampleFlags)
			if err != nil {
				return err
			}
			return runSample(cmd.Context(), cfg, !noProgress && !cfg.Log.JSON)
		},
	}

	f := cmd.Flags()
	f.String("checkpoint", "", "checkpoint to sample from")
	f.Int("residues", 0, "residues per sample")
	f.IntP("num-samples", "n", 0, "number of samples")
	f.StringP("output", "o", "", "output directory for PDB files")
	f.Uint64("seed", 0, "sampling seed")
	f.Float64("init-scale", 0, "standard deviation of the starting noise")
	f.Float64("noise-scale", 0, "multiplier on the per-step noise (1 = DDPM)")
	f.Float64("clip", 0, "clamp coordinates to ±clip after each step (0 disables)")
	f.Float64("coord-scale", 0, "Å per model coordinate unit when writing PDB files")
	f.BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func runSample(ctx context.Context, cfg *Config, showProgress bool) error {
	sc := cfg.Sampling
	ck, err := LoadCheckpoint(sc.Checkpoint)
	if err != nil {
		return err
	}
	if limit := ck.Header.Model.MaxResidues; sc.Residues > limit {
		return errors.Wrapf(ErrInvalidConfig, "checkpoint supports at most %d residues, asked for %d", limit, sc.Residues)
	}

	schedule, err := ck.Header.Diffusion.NoiseSchedule()
	if err != nil {
		return err
	}
	driver, err := NewDriver(ck.Model, schedule, cfg.Compute)
	if err != nil {
		return err
	}

	templates := make([]*Backbone, sc.NumSamples)
	for i := range templates {
		templates[i] = NewBackboneTemplate(sc.Residues)
		templates[i].ID = fmt.Sprintf("sample_%03d", i)
	}

	opts := sc.Options()
	bar := noProgress("", 0)
	if showProgress {
		bar = terminalProgress(fmt.Sprintf("denoising %d×%d residues", sc.NumSamples, sc.Residues), schedule.Steps())
	}
	opts.OnStep = func(t int, stats CoordStats) {
		bar.Increment()
		if t%100 == 0 {
			logger.Debugw("reverse step", "t", t, "mean", stats.Mean, "std", stats.Std, "min", stats.Min, "max", stats.Max)
		}
	}

	logger.Infow("sampling",
		"checkpoint", sc.Checkpoint,
		"run", ck.Header.RunID,
		"epoch", ck.Header.Epoch,
		"samples", sc.NumSamples,
		"residues", sc.Residues,
		"steps", schedule.Steps())

	rng := rand.New(rand.NewPCG(sc.Seed, sc.Seed^0x5eed))
	samples, err := driver.SampleBatch(ctx, templates, rng, opts)
	bar.Stop()
	if err != nil {
		return err
	}

	for _, s := range samples {
		path := filepath.Join(sc.OutputDir, s.ID+".pdb")
		if err := WritePDBFile(path, s, cfg.Data.CoordScale); err != nil {
			return err
		}
		stats := s.Stats()
		logger.Infow("wrote sample", "path", path, "std", stats.Std, "min", stats.Min, "max", stats.Max)
	}
	pterm.Success.Printf("Wrote %d samples to %s\n", len(samples), sc.OutputDir)
	return nil
}
