package train

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/nn"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	checkpointMagic   = 20241016
	checkpointVersion = 2
	headerLen         = 256
)

// Meta describes a checkpoint. It is stored next to the parameters as JSON.
type Meta struct {
	RunID     string        `json:"run_id"`
	Config    config.Config `json:"config"`
	VocabSize int           `json:"vocab_size"`
	Epoch     int           `json:"epoch"`
	ValidPPL  float64       `json:"valid_ppl"`
	SavedAt   time.Time     `json:"saved_at"`
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.NewString()
}

// MetaPath is the sidecar file of a checkpoint.
func MetaPath(path string) string {
	return path + ".json"
}

// SaveCheckpoint writes the parameter values to path and meta to MetaPath(path).
//
// The binary layout is a header of 256 little endian int32 (magic, version,
// parameter count, total values, the rest zero), then one int32 length per
// parameter, then the float32 values of every parameter in order.
func SaveCheckpoint(path string, ps nn.Params, meta Meta) error {
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(len(ps))
	header[3] = int32(ps.Len())
	lengths := make([]int32, len(ps))
	for i, p := range ps {
		lengths[i] = int32(p.Len())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, lengths); err != nil {
		f.Close()
		return err
	}
	for _, p := range ps {
		if err := binary.Write(w, binary.LittleEndian, p.Data); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC()
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(MetaPath(path), raw, 0o644)
}

// LoadMeta reads the sidecar of the checkpoint at path.
func LoadMeta(path string) (Meta, error) {
	var meta Meta
	raw, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse checkpoint metadata: %w", err)
	}
	return meta, nil
}

// LoadCheckpoint reads parameter values from path into ps. The parameters
// must match the saved ones in count and length.
func LoadCheckpoint(path string, ps nn.Params) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	if header[0] != checkpointMagic {
		return fmt.Errorf("bad magic in checkpoint %s", path)
	}
	if header[1] != checkpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", header[1])
	}
	if int(header[2]) != len(ps) || int(header[3]) != ps.Len() {
		return fmt.Errorf("%w: checkpoint holds %d parameters with %d values, model has %d with %d",
			nn.ErrShape, header[2], header[3], len(ps), ps.Len())
	}
	lengths := make([]int32, len(ps))
	if err := binary.Read(r, binary.LittleEndian, lengths); err != nil {
		return fmt.Errorf("failed to read parameter lengths: %w", err)
	}
	for i, p := range ps {
		if int(lengths[i]) != p.Len() {
			return fmt.Errorf("%w: %s has %d values, checkpoint has %d", nn.ErrShape, p.Name, p.Len(), lengths[i])
		}
		if err := binary.Read(r, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("failed to read %s: %w", p.Name, err)
		}
	}
	return nil
}
