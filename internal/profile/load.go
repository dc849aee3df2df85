package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentmoor/moor/internal/adapter/claudeline"
	"github.com/agentmoor/moor/internal/adapter/partstream"
)

// Defaults returns the built-in profiles, parameterized on the sandbox
// image configured for the deployment.
func Defaults(image string) []Profile {
	return []Profile{
		{
			Name:         "claude",
			Architecture: claudeline.Architecture,
			Image:        image,
			Command:      []string{"claude", "--output-format", "stream-json", "--print"},
		},
		{
			Name:         "opencode",
			Architecture: partstream.Architecture,
			Image:        image,
			Command:      []string{"opencode", "run", "--format", "json"},
		},
	}
}

// LoadFile reads additional profiles from a JSON file. Profiles in the file
// override built-ins with the same name when passed to NewRegistry later.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse profiles file %s: %w", path, err)
	}
	for _, p := range profiles {
		if p.Name == "" || p.Architecture == "" || len(p.Command) == 0 {
			return nil, fmt.Errorf("profile %q missing name, architecture or command", p.Name)
		}
	}
	return profiles, nil
}
