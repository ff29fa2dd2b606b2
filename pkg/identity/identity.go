// Package identity resolves the sender identity a node stamps on the
// packets it originates.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"meshrelay/pkg/packet"
)

// LoadOrCreate returns the sender id from inline when set, else from file,
// else a new random id. A new id is written to file when a path is given,
// so the node keeps its identity across restarts.
func LoadOrCreate(inline, file string) (packet.SenderID, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return packet.ParseSenderID(s)
	}
	file = strings.TrimSpace(file)
	if file != "" {
		b, err := os.ReadFile(file)
		switch {
		case err == nil:
			id, err := packet.ParseSenderID(strings.TrimSpace(string(b)))
			if err != nil {
				return packet.SenderID{}, fmt.Errorf("identity file %s: %w", file, err)
			}
			return id, nil
		case !errors.Is(err, fs.ErrNotExist):
			return packet.SenderID{}, fmt.Errorf("read identity file: %w", err)
		}
	}

	id := packet.NewSenderID()
	if file == "" {
		zap.L().Info("generated ephemeral sender id (set sender_id_file to persist)", zap.Stringer("sender", id))
		return id, nil
	}
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return packet.SenderID{}, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(file, []byte(id.String()+"\n"), 0o600); err != nil {
		return packet.SenderID{}, fmt.Errorf("write identity file: %w", err)
	}
	zap.L().Info("generated sender id", zap.Stringer("sender", id), zap.String("file", file))
	return id, nil
}
