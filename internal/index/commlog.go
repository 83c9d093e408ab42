package index

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/legionforge/legion/internal/comm"
)

const commLogFileName = "comms.jsonl"

// readCommLog parses every line of a session directory's comms.jsonl, if
// present, skipping malformed lines rather than failing the whole
// rebuild — the index is a best-effort derived view, not authoritative.
func readCommLog(sessionDir string) ([]comm.Comm, error) {
	f, err := os.Open(filepath.Join(sessionDir, commLogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []comm.Comm
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var c comm.Comm
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, scanner.Err()
}
