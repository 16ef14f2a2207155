package runevents

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
)

// UnitSubject is where updates for one unit of a run are published.
func UnitSubject(prefix, runID string, unitID int) string {
	return fmt.Sprintf("%s.run.%s.unit.%d", prefix, runID, unitID)
}

// DoneSubject is where a run's manifest is published when it finishes.
func DoneSubject(prefix, runID string) string {
	return fmt.Sprintf("%s.run.%s.done", prefix, runID)
}

// RunSubjects matches every event of one run.
func RunSubjects(prefix, runID string) string {
	return fmt.Sprintf("%s.run.%s.>", prefix, runID)
}

// ParseSubject splits a run event subject. unitID is -1 for done events.
func ParseSubject(prefix, subject string) (runID string, unitID int, err error) {
	rest, ok := strings.CutPrefix(subject, prefix+".run.")
	if !ok {
		return "", 0, fmt.Errorf("subject %q is not a run event under %q", subject, prefix)
	}
	parts := strings.Split(rest, ".")
	switch {
	case len(parts) == 2 && parts[1] == "done":
		return parts[0], -1, nil
	case len(parts) == 3 && parts[1] == "unit":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, fmt.Errorf("subject %q: bad unit id: %w", subject, err)
		}
		return parts[0], id, nil
	default:
		return "", 0, fmt.Errorf("subject %q is not a run event", subject)
	}
}

// DecodeUpdate parses a unit event payload.
func DecodeUpdate(data []byte) (scenescheduler.Update, error) {
	var u scenescheduler.Update
	if err := json.Unmarshal(data, &u); err != nil {
		return scenescheduler.Update{}, fmt.Errorf("unmarshal update: %w", err)
	}
	if u.RunID == "" {
		return scenescheduler.Update{}, fmt.Errorf("update has no run id")
	}
	return u, nil
}

// DecodeManifest parses a done event payload or a stored manifest.
func DecodeManifest(data []byte) (scenescheduler.Manifest, error) {
	var m scenescheduler.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return scenescheduler.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.RunID == "" {
		return scenescheduler.Manifest{}, fmt.Errorf("manifest has no run id")
	}
	return m, nil
}
