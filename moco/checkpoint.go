package moco

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/b0tShaman/moco-go/ml"
)

// Checkpoint is the persisted training state. Query and key parameters,
// queue contents and queue cursor are only meaningful together.
type Checkpoint struct {
	RunID string
	Epoch int // next epoch to run
	Batch int // batches of Epoch already applied, 0 at an epoch boundary
	Step  int

	Config Config
	Query  ml.NetworkData
	Key    ml.NetworkData

	Queue       *ml.Matrix
	QueuePtr    int
	QueueFilled int
	KeysPerStep int
}

// Checkpoint captures a deep copy of the model state.
func (m *Model) Checkpoint(runID string, epoch, step int) *Checkpoint {
	return &Checkpoint{
		RunID:       runID,
		Epoch:       epoch,
		Step:        step,
		Config:      m.cfg,
		Query:       m.Query.State(),
		Key:         m.Key.State(),
		Queue:       m.Queue.Snapshot(),
		QueuePtr:    m.Queue.Ptr(),
		QueueFilled: m.Queue.Filled(),
		KeysPerStep: m.Queue.KeysPerStep(),
	}
}

// NewFromCheckpoint rebuilds a model exactly as it was when c was taken.
func NewFromCheckpoint(c *Checkpoint) (*Model, error) {
	if err := c.Config.Validate(); err != nil {
		return nil, err
	}
	if c.Queue == nil {
		return nil, fmt.Errorf("%w: checkpoint has no queue", ErrConfig)
	}

	query := c.Config.NewEncoder(c.Config.source())
	if err := query.LoadState(c.Query); err != nil {
		return nil, fmt.Errorf("%w: query encoder: %v", ErrConfig, err)
	}
	key := query.Clone()
	if err := key.LoadState(c.Key); err != nil {
		return nil, fmt.Errorf("%w: key encoder: %v", ErrConfig, err)
	}
	queue, err := restoreQueue(c.Queue, c.QueuePtr, c.QueueFilled, c.KeysPerStep)
	if err != nil {
		return nil, err
	}
	return newModel(c.Config, query, key, queue)
}

func SaveCheckpoint(path string, c *Checkpoint) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// Write to a temp file first so an interrupted save keeps the old one
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(file).Encode(c); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Printf("[Checkpoint] saved %s (epoch %d, queue ptr %d)", path, c.Epoch, c.QueuePtr)
	return nil
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var c Checkpoint
	if err := gob.NewDecoder(file).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &c, nil
}

// CheckpointName is the file name used for the checkpoint written after epoch.
func CheckpointName(runID string, epoch int) string {
	return fmt.Sprintf("checkpoint_%s_%04d.gob", runID, epoch)
}

// StopCheckpointName names a checkpoint taken inside an epoch. It never
// collides with an epoch-boundary file.
func StopCheckpointName(runID string, epoch, step int) string {
	return fmt.Sprintf("checkpoint_%s_%04d_step%08d.gob", runID, epoch, step)
}

// LoadEncoder rebuilds the encoder described by cfg and fills it with the
// weights exported to path. The architecture must match the export.
func LoadEncoder(cfg Config, path string) (*ml.NeuralNetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc := cfg.NewEncoder(cfg.source())
	if err := enc.LoadFromFile(path); err != nil {
		return nil, fmt.Errorf("loading encoder %s: %w", path, err)
	}
	return enc, nil
}
