package orchestrator

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pozk-network/miner-orchestrator/internal/errs"
)

// writeTaskInput writes inputs||publics to the job's input file under
// basePath, length-prefixing inputs with its own 4-byte big-endian length
// so readTaskInput can split them back apart. publics runs to EOF.
func writeTaskInput(basePath, jobKey string, inputs, publics []byte) error {
	dir := filepath.Join(basePath, jobKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir job dir: %v", errs.ErrStorage, err)
	}

	buf := make([]byte, 4+len(inputs)+len(publics))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(inputs)))
	copy(buf[4:], inputs)
	copy(buf[4+len(inputs):], publics)

	if err := os.WriteFile(inputPath(basePath, jobKey), buf, 0o644); err != nil {
		return fmt.Errorf("%w: write input file: %v", errs.ErrStorage, err)
	}
	return nil
}

// readTaskInput reads back the file writeTaskInput produced, splitting it
// into its inputs and publics segments.
func readTaskInput(basePath, jobKey string) (inputs, publics []byte, err error) {
	data, err := os.ReadFile(inputPath(basePath, jobKey))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read input file: %v", errs.ErrStorage, err)
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: input file too short", errs.ErrAdmission)
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)-4) < n {
		return nil, nil, fmt.Errorf("%w: input length prefix exceeds file size", errs.ErrAdmission)
	}
	inputs = data[4 : 4+n]
	publics = data[4+n:]
	return inputs, publics, nil
}

func removeTaskInput(basePath, jobKey string) error {
	return os.Remove(inputPath(basePath, jobKey))
}

func inputPath(basePath, jobKey string) string {
	return filepath.Join(basePath, jobKey, "input")
}

func outputPath(basePath, jobKey string) string {
	return filepath.Join(basePath, jobKey, "output")
}

func proofPath(basePath, jobKey string) string {
	return filepath.Join(basePath, jobKey, "proof")
}

// writeProxyOutput writes the publics+proof bytes a proxy-mode job should
// present to its external caller, using the same length-prefixed layout as
// the upload itself.
func writeProxyOutput(basePath, jobKey string, publics, proof []byte) error {
	buf := make([]byte, 4+len(publics)+len(proof))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(publics)))
	copy(buf[4:], publics)
	copy(buf[4+len(publics):], proof)
	if err := os.WriteFile(outputPath(basePath, jobKey), buf, 0o644); err != nil {
		return fmt.Errorf("%w: write proxy output: %v", errs.ErrStorage, err)
	}
	return nil
}
