package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/storage"
	"github.com/surf-session-core/internal/types"
)

const (
	FormatJSON = "json"
	FormatTXT  = "txt"
)

// Import adds proxies from serialized content and returns how many were added.
// JSON is all-or-nothing. TXT skips lines that do not parse.
func (r *Registry) Import(content []byte, format string) (int, error) {
	var n int
	switch format {
	case FormatJSON:
		added, err := r.importJSON(content)
		if err != nil {
			return 0, err
		}
		n = added
	case FormatTXT, "":
		n = len(r.AddFromLines(strings.Split(string(content), "\n"), Overrides{}))
		format = FormatTXT
	default:
		return 0, fmt.Errorf("unknown proxy format %q: %w", format, types.ErrValidation)
	}

	if r.metrics != nil {
		r.metrics.RecordProxiesImported(format, n)
	}
	log.Infof("Imported %d proxies (%s)", n, format)
	return n, nil
}

func (r *Registry) importJSON(content []byte) (int, error) {
	var list []types.Proxy
	if err := json.Unmarshal(content, &list); err != nil {
		return 0, fmt.Errorf("decode proxy list: %v: %w", err, types.ErrParse)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prepared := make([]types.Proxy, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i := range list {
		p := list[i].Clone()
		if p.Type == "" {
			scheme, _ := splitServer(p.Server)
			p.Type = types.ProxyType(scheme)
		}
		if p.Name == "" {
			p.Name = hostOf(p.Server)
		}
		if err := validate(&p); err != nil {
			return 0, fmt.Errorf("proxy %d: %w", i, err)
		}
		if _, taken := r.proxies[p.ID]; p.ID == "" || taken || seen[p.ID] {
			p.ID = types.NewID("proxy", now)
		}
		if p.LastChecked.IsZero() {
			p.LastChecked = now
		}
		seen[p.ID] = true
		prepared = append(prepared, p)
	}

	prevOrder := r.order
	r.order = append([]string(nil), r.order...)
	for i := range prepared {
		p := prepared[i]
		r.proxies[p.ID] = &p
		r.order = append(r.order, p.ID)
	}

	if err := r.persistLocked(); err != nil {
		for _, p := range prepared {
			delete(r.proxies, p.ID)
		}
		r.order = prevOrder
		return 0, err
	}
	r.recordCount()
	return len(prepared), nil
}

// Export serializes every proxy. JSON keeps full records, TXT writes one line per proxy.
func (r *Registry) Export(format string) ([]byte, error) {
	list := r.List()

	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal proxies: %w", err)
		}
		return data, nil
	case FormatTXT:
		lines := make([]string, 0, len(list))
		for _, p := range list {
			lines = append(lines, FormatLine(p))
		}
		return []byte(strings.Join(lines, "\n")), nil
	default:
		return nil, fmt.Errorf("unknown proxy format %q: %w", format, types.ErrValidation)
	}
}

// ImportFile reads path and imports it in the given format
func (r *Registry) ImportFile(path, format string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read proxy file: %w", err)
	}
	return r.Import(data, format)
}

// ExportFile writes every proxy to path in the given format
func (r *Registry) ExportFile(path, format string) error {
	data, err := r.Export(format)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write proxy file: %w", err)
	}
	return nil
}
