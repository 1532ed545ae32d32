package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a training or sampling run.
//
// Sources, lowest precedence first: built-in defaults, a config file
// (--config, or protein-diffusion.{toml,yaml,yml,json} found by walking up
// from the working directory), PDIFF_* environment variables (PDIFF_MODEL_HIDDEN_DIM
// for model.hidden_dim), then command-line flags.
type Config struct {
	Model     ModelConfig     `mapstructure:"model" yaml:"model"`
	Diffusion DiffusionConfig `mapstructure:"diffusion" yaml:"diffusion"`
	Training  TrainingConfig  `mapstructure:"training" yaml:"training"`
	Sampling  SamplingConfig  `mapstructure:"sampling" yaml:"sampling"`
	Data      DataConfig      `mapstructure:"data" yaml:"data"`
	Compute   ComputeConfig   `mapstructure:"compute" yaml:"compute"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DiffusionConfig selects the noise schedule.
type DiffusionConfig struct {
	Steps     int     `mapstructure:"steps" yaml:"steps" json:"steps" validate:"gt=0"`
	Schedule  string  `mapstructure:"schedule" yaml:"schedule" json:"schedule" validate:"oneof=linear cosine"`
	BetaStart float64 `mapstructure:"beta_start" yaml:"beta_start" json:"beta_start" validate:"gt=0,lt=1"`
	BetaEnd   float64 `mapstructure:"beta_end" yaml:"beta_end" json:"beta_end" validate:"gt=0,lt=1"`
}

// NoiseSchedule builds the noise schedule described by c.
func (c DiffusionConfig) NoiseSchedule() (*NoiseSchedule, error) {
	kind, err := ParseScheduleKind(c.Schedule)
	if err != nil {
		return nil, err
	}
	return NewNoiseSchedule(kind, c.Steps, c.BetaStart, c.BetaEnd)
}

// SamplingConfig controls the sample command.
type SamplingConfig struct {
	Residues   int     `mapstructure:"residues" yaml:"residues" validate:"gt=0"`
	NumSamples int     `mapstructure:"num_samples" yaml:"num_samples" validate:"gt=0"`
	InitScale  float64 `mapstructure:"init_scale" yaml:"init_scale" validate:"gte=0"`
	NoiseScale float64 `mapstructure:"noise_scale" yaml:"noise_scale" validate:"gte=0"`
	ClipRange  float64 `mapstructure:"clip_range" yaml:"clip_range" validate:"gte=0"`
	Seed       uint64  `mapstructure:"seed" yaml:"seed"`
	OutputDir  string  `mapstructure:"output_dir" yaml:"output_dir"`
	Checkpoint string  `mapstructure:"checkpoint" yaml:"checkpoint"`
}

// Options converts the config into sampler options.
func (c SamplingConfig) Options() SampleOptions {
	return SampleOptions{InitScale: c.InitScale, NoiseScale: c.NoiseScale, ClipRange: c.ClipRange}
}

// DataConfig describes where training structures come from.
type DataConfig struct {
	Dir         string  `mapstructure:"dir" yaml:"dir"`
	Chain       string  `mapstructure:"chain" yaml:"chain" validate:"max=1"`
	CoordScale  float64 `mapstructure:"coord_scale" yaml:"coord_scale" validate:"gt=0"`
	CacheSize   int     `mapstructure:"cache_size" yaml:"cache_size" validate:"gt=0"`
	MinResidues int     `mapstructure:"min_residues" yaml:"min_residues" validate:"gte=1"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Model: DefaultModelConfig(),
		Diffusion: DiffusionConfig{
			Steps:     1000,
			Schedule:  "linear",
			BetaStart: 1e-4,
			BetaEnd:   0.02,
		},
		Training: DefaultTrainingConfig(),
		Sampling: SamplingConfig{
			Residues:   64,
			NumSamples: 1,
			InitScale:  1,
			NoiseScale: 1,
			ClipRange:  10,
			Seed:       7,
			OutputDir:  "samples",
			Checkpoint: "checkpoints/model.ckpt",
		},
		Data: DataConfig{
			CoordScale:  10,
			CacheSize:   512,
			MinResidues: 2,
		},
		Compute: DefaultComputeConfig(),
		Log:     LogConfig{Level: "info"},
	}
}

// setDefaults registers every key with viper so environment variables and
// Unmarshal see the full key space.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("model.max_residues", d.Model.MaxResidues)
	v.SetDefault("model.pos_embed_dim", d.Model.PosEmbedDim)
	v.SetDefault("model.edge_embed_dim", d.Model.EdgeEmbedDim)
	v.SetDefault("model.hidden_dim", d.Model.HiddenDim)
	v.SetDefault("model.num_layers", d.Model.NumLayers)
	v.SetDefault("model.edge_policy", d.Model.EdgePolicy)
	v.SetDefault("model.k_neighbors", d.Model.KNeighbors)
	v.SetDefault("model.min_distance", d.Model.MinDistance)
	v.SetDefault("model.seed", d.Model.Seed)

	v.SetDefault("diffusion.steps", d.Diffusion.Steps)
	v.SetDefault("diffusion.schedule", d.Diffusion.Schedule)
	v.SetDefault("diffusion.beta_start", d.Diffusion.BetaStart)
	v.SetDefault("diffusion.beta_end", d.Diffusion.BetaEnd)

	v.SetDefault("training.learning_rate", d.Training.LearningRate)
	v.SetDefault("training.weight_decay", d.Training.WeightDecay)
	v.SetDefault("training.gradient_clip", d.Training.GradientClip)
	v.SetDefault("training.batch_size", d.Training.BatchSize)
	v.SetDefault("training.epochs", d.Training.Epochs)
	v.SetDefault("training.max_steps", d.Training.MaxSteps)
	v.SetDefault("training.warmup_steps", d.Training.WarmupSteps)
	v.SetDefault("training.decay_steps", d.Training.DecaySteps)
	v.SetDefault("training.min_lr", d.Training.MinLR)
	v.SetDefault("training.optimizer", d.Training.Optimizer)
	v.SetDefault("training.adam_beta1", d.Training.AdamBeta1)
	v.SetDefault("training.adam_beta2", d.Training.AdamBeta2)
	v.SetDefault("training.adam_epsilon", d.Training.AdamEpsilon)
	v.SetDefault("training.log_interval", d.Training.LogInterval)
	v.SetDefault("training.checkpoint_every", d.Training.CheckpointEvery)
	v.SetDefault("training.checkpoint_path", d.Training.CheckpointPath)
	v.SetDefault("training.runs_db", d.Training.RunsDB)
	v.SetDefault("training.metrics_addr", d.Training.MetricsAddr)
	v.SetDefault("training.seed", d.Training.Seed)

	v.SetDefault("sampling.residues", d.Sampling.Residues)
	v.SetDefault("sampling.num_samples", d.Sampling.NumSamples)
	v.SetDefault("sampling.init_scale", d.Sampling.InitScale)
	v.SetDefault("sampling.noise_scale", d.Sampling.NoiseScale)
	v.SetDefault("sampling.clip_range", d.Sampling.ClipRange)
	v.SetDefault("sampling.seed", d.Sampling.Seed)
	v.SetDefault("sampling.output_dir", d.Sampling.OutputDir)
	v.SetDefault("sampling.checkpoint", d.Sampling.Checkpoint)

	v.SetDefault("data.dir", d.Data.Dir)
	v.SetDefault("data.chain", d.Data.Chain)
	v.SetDefault("data.coord_scale", d.Data.CoordScale)
	v.SetDefault("data.cache_size", d.Data.CacheSize)
	v.SetDefault("data.min_residues", d.Data.MinResidues)

	v.SetDefault("compute.parallel", d.Compute.Parallel)
	v.SetDefault("compute.workers", d.Compute.NumWorkers)
	v.SetDefault("compute.min_size_for_parallel", d.Compute.MinSizeForParallel)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
}

// configFileNames are searched, in order, in each directory while walking up
// from the working directory.
var configFileNames = []string{
	"protein-diffusion.toml",
	"protein-diffusion.yaml",
	"protein-diffusion.yml",
	"protein-diffusion.json",
}

// newViper creates a viper instance with defaults, the config file and
// environment bindings. An empty configPath triggers the upward search.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PDIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = findProjectConfig()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "failed to read config file %s: %v", configPath, err)
		}
	}
	return v, nil
}

// findProjectConfig walks up from the working directory looking for a
// config file. Returns "" if none is found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// bindFlags makes each named flag override its config key when set on the
// command line.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for flag, key := range bindings {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "failed to bind flag --%s", flag)
		}
	}
	return nil
}

// LoadConfig unmarshals and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "failed to unmarshal config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fe.Namespace() + " failed " + fe.Tag()
				if fe.Param() != "" {
					msgs[i] += "=" + fe.Param()
				}
			}
			return errors.WithHint(
				errors.Wrap(ErrInvalidConfig, strings.Join(msgs, "; ")),
				"check the config file, PDIFF_* environment variables and flags")
		}
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}

	if err := c.Model.check(); err != nil {
		return err
	}
	if c.Diffusion.Schedule == "linear" && c.Diffusion.BetaStart >= c.Diffusion.BetaEnd {
		return errors.Wrapf(ErrInvalidConfig, "beta_start %g must be below beta_end %g", c.Diffusion.BetaStart, c.Diffusion.BetaEnd)
	}
	if c.Sampling.Residues > c.Model.MaxResidues {
		return errors.Wrapf(ErrInvalidConfig, "sampling %d residues exceeds model.max_residues %d", c.Sampling.Residues, c.Model.MaxResidues)
	}
	return nil
}

// YAML renders the configuration for display.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to render config")
	}
	return string(out), nil
}
