package tutor

import (
	"strings"

	"github.com/lectio-dev/lectio/pkg/reference"
)

// resolvePersona matches chosen against the dialog's speakers, ignoring case,
// and returns the canonical persona name with the first other speaker.
func resolvePersona(d *reference.Dialog, chosen string) (persona, opposite string, err error) {
	speakers := d.DistinctSpeakers()
	fail := &PersonaResolutionError{DialogID: d.ID, Persona: chosen, Speakers: speakers}
	if len(speakers) < 2 {
		return "", "", fail
	}

	chosen = strings.TrimSpace(chosen)
	for _, s := range speakers {
		if strings.EqualFold(s, chosen) {
			persona = s
			break
		}
	}
	if persona == "" {
		return "", "", fail
	}
	for _, s := range speakers {
		if s != persona {
			return persona, s, nil
		}
	}
	return "", "", fail
}
