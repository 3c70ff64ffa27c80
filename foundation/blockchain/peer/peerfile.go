package peer

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
)

// fileDoc is the on-disk form of the known peer list.
type fileDoc struct {
	Peers []string `json:"peers"`
}

// LoadFile seeds the registry with the addresses persisted by a previous
// run. A missing file is not an error; a node can bootstrap from config.
func (r *Registry) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc fileDoc
	if err := json.Unmarshal(content, &doc); err != nil {
		return err
	}

	for _, key := range doc.Peers {
		host, portStr, err := net.SplitHostPort(key)
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			continue
		}
		r.Add(host, uint16(port))
	}

	return nil
}

// SaveFile persists the known addresses, best scored first, so a restarted
// node can rejoin the network.
func (r *Registry) SaveFile(path string) error {
	doc := fileDoc{Peers: r.Keys()}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, content, 0600)
}
