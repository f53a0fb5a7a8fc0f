package index

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// saveConfigJSON writes the index config to <prefix>_config.json so a
// fresh process can rebuild the same index shape before importing.
func saveConfigJSON(dir, prefix string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index config: %w", err)
	}
	path := filepath.Join(dir, prefix+"_config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index config: %w", err)
	}
	return nil
}

// loadConfigJSON reads <prefix>_config.json. Missing files are not an
// error; the caller keeps its constructed config.
func loadConfigJSON(dir, prefix string) (Config, bool, error) {
	path := filepath.Join(dir, prefix+"_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("read index config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, false, mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("decode index config %s: %w", path, err))
	}
	return cfg, true, nil
}

// vectorsFile is the raw float32 matrix kept beside rebuildable
// backends: a little-endian header (rows, dims) followed by row-major
// float32 data.
const vectorsFile = "vectors.bin"

func saveVectors(dir string, rows [][]float32, dims int) error {
	path := filepath.Join(dir, vectorsFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create vector matrix: %w", err)
	}

	w := bufio.NewWriter(f)
	header := [2]uint32{uint32(len(rows)), uint32(dims)}
	if err := binary.Write(w, binary.LittleEndian, header[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write vector matrix header: %w", err)
	}
	for _, row := range rows {
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write vector matrix row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush vector matrix: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close vector matrix: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename vector matrix: %w", err)
	}
	return nil
}

func loadVectors(dir string, wantDims int) ([][]float32, error) {
	path := filepath.Join(dir, vectorsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mmerrors.Newf(mmerrors.KindNotFound, "vector matrix not found at %s", path)
		}
		return nil, fmt.Errorf("open vector matrix: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, header[:]); err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("read vector matrix header %s: %w", path, err))
	}
	count, dims := int(header[0]), int(header[1])
	if wantDims > 0 && dims != wantDims {
		return nil, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"vector matrix holds %d-dim vectors, index expects %d", dims, wantDims)
	}

	rows := make([][]float32, count)
	for i := range rows {
		row := make([]float32, dims)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, mmerrors.Wrap(mmerrors.KindIndexCorrupt,
				fmt.Errorf("read vector matrix row %d of %s: %w", i, path, err))
		}
		rows[i] = row
	}
	return rows, nil
}

// saveGob writes a backend-specific payload to <prefix>_index.bin.
func saveGob(dir, prefix string, payload any) error {
	path := filepath.Join(dir, prefix+"_index.bin")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode index payload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// loadGob reads a backend-specific payload from <prefix>_index.bin.
func loadGob(dir, prefix string, payload any) error {
	path := filepath.Join(dir, prefix+"_index.bin")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerrors.Newf(mmerrors.KindNotFound, "index file not found at %s", path)
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(payload); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("decode index payload %s: %w", path, err))
	}
	return nil
}
