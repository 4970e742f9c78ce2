package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<unix millis>_<random suffix>". Collisions are unlikely, not impossible.
func NewID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}
