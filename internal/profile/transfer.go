package profile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/surf-session-core/internal/types"
)

// ExportTimeLayout is the fixed timestamp format used in exported profiles
const ExportTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// exported is the shareable form of a profile. It has no id so an import gets a fresh one.
type exported struct {
	Name         string          `json:"name"`
	Created      string          `json:"created,omitempty"`
	LastUsed     string          `json:"last_used,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	StorageState json.RawMessage `json:"storage_state,omitempty"`
	types.ContextPreferences
}

func (e exported) empty() bool {
	state := strings.TrimSpace(string(e.StorageState))
	return e.Name == "" && len(e.Metadata) == 0 &&
		(state == "" || state == "null") && e.ContextPreferences.IsZero()
}

// Export serializes a profile without its id
func (s *Store) Export(id string) (string, error) {
	p, err := s.Get(id)
	if err != nil {
		return "", err
	}

	out := exported{
		Name:               p.Name,
		Created:            p.Created.UTC().Format(ExportTimeLayout),
		LastUsed:           p.LastUsed.UTC().Format(ExportTimeLayout),
		Metadata:           p.Metadata,
		StorageState:       p.StorageState,
		ContextPreferences: p.ContextPreferences,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal profile: %w", err)
	}
	return string(data), nil
}

// Import stores serialized profile data under a new id. nameOverride wins over the embedded name.
func (s *Store) Import(serialized string, nameOverride string) (types.Profile, error) {
	var in exported
	if err := json.Unmarshal([]byte(serialized), &in); err != nil {
		return types.Profile{}, fmt.Errorf("decode profile: %v: %w", err, types.ErrParse)
	}
	if in.empty() {
		return types.Profile{}, fmt.Errorf("decode profile: no profile fields: %w", types.ErrParse)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	created := now
	if strings.TrimSpace(in.Created) != "" {
		t, err := parseTimestamp(in.Created)
		if err != nil {
			return types.Profile{}, fmt.Errorf("decode created %q: %w", in.Created, types.ErrParse)
		}
		created = t
	}

	name := nameOverride
	if name == "" {
		name = in.Name
	}
	if name == "" {
		name = importedName
	}

	p := &types.Profile{
		ID:                 types.NewID("profile", now),
		Name:               name,
		Created:            created,
		LastUsed:           now,
		Metadata:           in.Metadata,
		StorageState:       in.StorageState,
		ContextPreferences: in.ContextPreferences,
	}
	normalize(p)

	if err := s.insert(p); err != nil {
		return types.Profile{}, err
	}

	log.WithFields(log.Fields{
		"profile_id": p.ID,
		"name":       p.Name,
	}).Info("Profile imported")

	return p.Clone(), nil
}

func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(ExportTimeLayout, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
