// Package statusfile writes the trivial JSON status side-channel spec.md
// §6 calls out as external to the core: {port, instanceName, mode, peers}
// refreshed on every peer-set change, removed on Stop().
package statusfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/willjackson/claude-code-bridge/peer"
)

// PeerSummary is one entry of the status file's peers array.
type PeerSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectedAt  int64  `json:"connectedAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Document is the full status-file payload.
type Document struct {
	Port         int           `json:"port"`
	InstanceName string        `json:"instanceName"`
	Mode         string        `json:"mode"`
	Peers        []PeerSummary `json:"peers"`
}

// Writer persists Document to a fixed path.
type Writer struct {
	path string
}

// New builds a Writer rooted at dir/bridge-status.json.
func New(dir string) *Writer {
	return &Writer{path: filepath.Join(dir, "bridge-status.json")}
}

// Write overwrites the status file with doc.
func (w *Writer) Write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.path, data, 0o644)
}

// Remove deletes the status file, tolerating it already being gone.
func (w *Writer) Remove() error {
	err := os.Remove(w.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FromPeerInfo adapts peer.Info records into the status file's summary
// shape.
func FromPeerInfo(infos []peer.Info) []PeerSummary {
	out := make([]PeerSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, PeerSummary{
			ID:           info.ID.String(),
			Name:         info.Name,
			ConnectedAt:  info.ConnectedAt.UnixMilli(),
			LastActivity: info.LastActivity.UnixMilli(),
		})
	}
	return out
}

// PIDFile writes the current process id to dir/bridge.pid.
func PIDFile(dir string) error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(filepath.Join(dir, "bridge.pid"), data, 0o644)
}
