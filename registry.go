package tuyalan

import (
	"fmt"

	"github.com/quendro/tuyalan/internal/config"
)

// FromRegistry builds Options for a device stored in the YAML registry.
// The name is a registry ID or nickname. The returned Options carry the
// stored IP, local key, protocol version and gateway ID; callers may
// override fields before passing them to New.
func FromRegistry(name string) (Options, error) {
	reg, err := config.LoadRegistry()
	if err != nil {
		return Options{}, err
	}
	id, entry := reg.GetDevice(name)
	if entry == nil {
		return Options{}, NewConfigError(fmt.Sprintf("no device %q in registry", name))
	}
	return Options{
		ID:      id,
		GwID:    entry.GwID,
		IP:      entry.IP,
		Key:     entry.Key,
		Version: entry.Protocol,
	}, nil
}
