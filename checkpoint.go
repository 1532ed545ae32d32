package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Checkpoints persist a training run so it can be resumed or sampled from.
//
// FILE LAYOUT (little-endian):
//
//	[4]byte   magic "PDCK"
//	uint32    header length
//	[]byte    header JSON (configs, run id, epoch, loss history, shapes)
//	float64…  parameters, in Denoiser.Parameters order
//	float64…  Adam first moments, then second moments (if present)
//
// The header carries the full model and diffusion configuration, so loading
// rebuilds an identical denoiser before reading the weights into it.
//
// Writes go to a temporary file in the target directory and are renamed
// into place, so a crash mid-write never leaves a truncated checkpoint
// behind.

var checkpointMagic = [4]byte{'P', 'D', 'C', 'K'}

const (
	checkpointVersion = 1
	maxHeaderBytes    = 64 << 20
)

// CheckpointHeader is the JSON metadata at the start of a checkpoint.
type CheckpointHeader struct {
	Version     int             `json:"version"`
	RunID       string          `json:"run_id"`
	SavedAt     time.Time       `json:"saved_at"`
	Epoch       int             `json:"epoch"`
	Step        int             `json:"step"`
	LossHistory []float64       `json:"loss_history"`
	Model       ModelConfig     `json:"model"`
	Diffusion   DiffusionConfig `json:"diffusion"`
	ParamShapes [][]int         `json:"param_shapes"`
	HasAdam     bool            `json:"has_adam"`
	AdamStep    int             `json:"adam_step,omitempty"`
}

// CheckpointState is everything SaveCheckpoint writes.
type CheckpointState struct {
	RunID       string
	Epoch       int
	Step        int
	LossHistory []float64
	Diffusion   DiffusionConfig
	Model       *Denoiser
	Adam        *AdamState
}

// Checkpoint is a loaded checkpoint.
type Checkpoint struct {
	Header CheckpointHeader
	Model  *Denoiser
	Adam   *AdamState
}

// SaveCheckpoint writes state to path atomically.
func SaveCheckpoint(path string, state CheckpointState) (err error) {
	if state.Diffusion.Steps != state.Model.Steps() {
		return errors.Wrapf(ErrCheckpoint, "diffusion config has %d steps, model was built for %d", state.Diffusion.Steps, state.Model.Steps())
	}
	params := state.Model.Parameters()
	header := CheckpointHeader{
		Version:     checkpointVersion,
		RunID:       state.RunID,
		SavedAt:     time.Now().UTC(),
		Epoch:       state.Epoch,
		Step:        state.Step,
		LossHistory: state.LossHistory,
		Model:       state.Model.Config(),
		Diffusion:   state.Diffusion,
		ParamShapes: make([][]int, len(params)),
		HasAdam:     state.Adam != nil,
	}
	for i, p := range params {
		header.ParamShapes[i] = p.Shape()
	}
	if state.Adam != nil {
		header.AdamStep = state.Adam.Step
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal checkpoint header")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary checkpoint")
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	if _, err = w.Write(checkpointMagic[:]); err != nil {
		return errors.Wrap(err, "failed to write magic")
	}
	if err = binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header length")
	}
	if _, err = w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for i, p := range params {
		if err = binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return errors.Wrapf(err, "failed to write parameter %d", i)
		}
	}
	if state.Adam != nil {
		for _, moments := range [][][]float64{state.Adam.M, state.Adam.V} {
			for i, m := range moments {
				if err = binary.Write(w, binary.LittleEndian, m); err != nil {
					return errors.Wrapf(err, "failed to write optimizer moment %d", i)
				}
			}
		}
	}

	if err = w.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush checkpoint")
	}
	if err = f.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into %s", path)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint and rebuilds its denoiser.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != checkpointMagic {
		return nil, errors.Wrapf(ErrCheckpoint, "%s is not a checkpoint file", path)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrapf(ErrCheckpoint, "failed to read header length: %v", err)
	}
	if headerLen > maxHeaderBytes {
		return nil, errors.Wrapf(ErrCheckpoint, "header of %d bytes is too large", headerLen)
	}
	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrapf(ErrCheckpoint, "failed to read header: %v", err)
	}

	var header CheckpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrapf(ErrCheckpoint, "failed to parse header: %v", err)
	}
	if header.Version != checkpointVersion {
		return nil, errors.Wrapf(ErrCheckpoint, "unsupported checkpoint version %d", header.Version)
	}

	model, err := NewDenoiser(header.Model, header.Diffusion.Steps)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpoint, "header describes an invalid model: %v", err)
	}
	params := model.Parameters()
	if len(params) != len(header.ParamShapes) {
		return nil, errors.Wrapf(ErrCheckpoint, "checkpoint has %d parameters, model has %d", len(header.ParamShapes), len(params))
	}
	for i, p := range params {
		if !shapeEqual(p.shape, header.ParamShapes[i]) {
			return nil, errors.Wrapf(ErrCheckpoint, "parameter %d has shape %v, model expects %v", i, header.ParamShapes[i], p.shape)
		}
	}

	for i, p := range params {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, errors.Wrapf(ErrCheckpoint, "failed to read parameter %d: %v", i, err)
		}
	}

	ck := &Checkpoint{Header: header, Model: model}
	if header.HasAdam {
		st := AdamState{Step: header.AdamStep, M: make([][]float64, len(params)), V: make([][]float64, len(params))}
		for _, moments := range [][][]float64{st.M, st.V} {
			for i, p := range params {
				moments[i] = make([]float64, p.Size())
				if err := binary.Read(r, binary.LittleEndian, moments[i]); err != nil {
					return nil, errors.Wrapf(ErrCheckpoint, "failed to read optimizer moment %d: %v", i, err)
				}
			}
		}
		ck.Adam = &st
	}
	return ck, nil
}
