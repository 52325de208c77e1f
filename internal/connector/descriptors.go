package connector

import (
	"fmt"
	"strings"
)

// ParseDescriptors reads the configured database list. Each entry is
// "id|engine_kind|dialect|dsn", entries joined with ";". Pipes keep DSNs
// intact since they routinely contain colons.
func ParseDescriptors(spec string) ([]Descriptor, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var descriptors []Descriptor
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid database entry %q: expected id|engine_kind|dialect|dsn", entry)
		}
		descriptor := Descriptor{
			DatabaseID: strings.TrimSpace(parts[0]),
			EngineKind: EngineKind(strings.ToLower(strings.TrimSpace(parts[1]))),
			Dialect:    strings.ToLower(strings.TrimSpace(parts[2])),
			DSN:        strings.TrimSpace(parts[3]),
		}
		if descriptor.DatabaseID == "" {
			return nil, fmt.Errorf("invalid database entry %q: empty id", entry)
		}
		switch descriptor.EngineKind {
		case EngineRelational, EngineDocument:
		default:
			return nil, fmt.Errorf("invalid database entry %q: unknown engine kind %q", entry, descriptor.EngineKind)
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}
