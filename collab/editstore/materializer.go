package editstore

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// ErrNotMaterializable is returned by a Materializer for a command it cannot
// apply. Rollup stops folding at such a command and keeps it in the log.
var ErrNotMaterializable = errors.New("command cannot be materialized")

// Materializer applies one command to a document's content.
type Materializer interface {
	Apply(content, command json.RawMessage) (json.RawMessage, error)
}

// JSONPatchMaterializer treats each command as an RFC 6902 JSON Patch.
type JSONPatchMaterializer struct{}

// Apply implements Materializer.
func (JSONPatchMaterializer) Apply(content, command json.RawMessage) (json.RawMessage, error) {
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}

	patch, err := jsonpatch.DecodePatch(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMaterializable, err)
	}

	out, err := patch.Apply(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMaterializable, err)
	}
	return out, nil
}

// fold applies the longest prefix of commands the materializer accepts. It
// returns the new content and the version of the last command consumed.
// Reverted commands inside the prefix are consumed without being applied.
// Folding stops at the first missing version: a version that was handed out
// but is not stored yet must stay above the base.
func fold(m Materializer, content json.RawMessage, baseVersion int64, commands []Command) (json.RawMessage, int64) {
	upTo := baseVersion
	for _, cmd := range commands {
		if cmd.ContentVersion != upTo+1 {
			break
		}
		if cmd.Reverted {
			upTo = cmd.ContentVersion
			continue
		}
		next, err := m.Apply(content, cmd.Command)
		if err != nil {
			break
		}
		content = next
		upTo = cmd.ContentVersion
	}
	return content, upTo
}
