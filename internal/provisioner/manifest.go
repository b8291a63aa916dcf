package provisioner

import "encoding/json"

// ManifestFile is the deployment manifest written at the root of each published tree.
const ManifestFile = "app.json"

// Manifest describes the app the platform builds from a published tree.
type Manifest struct {
	Name       string                 `json:"name"`
	Env        map[string]ManifestEnv `json:"env"`
	Buildpacks []ManifestBuildpack    `json:"buildpacks,omitempty"`
}

// ManifestEnv is one environment variable the app requires.
type ManifestEnv struct {
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Value       string `json:"value,omitempty"`
}

// ManifestBuildpack names one buildpack by URL or registry name.
type ManifestBuildpack struct {
	URL string `json:"url"`
}

// NewManifest returns the manifest for appName bound to userID.
func NewManifest(appName, userID string, buildpacks []string) Manifest {
	m := Manifest{
		Name: appName,
		Env: map[string]ManifestEnv{
			"USER_ID": {Description: "User whose session this app runs", Required: true, Value: userID},
		},
	}
	for _, bp := range buildpacks {
		m.Buildpacks = append(m.Buildpacks, ManifestBuildpack{URL: bp})
	}
	return m
}

// Marshal encodes m as indented JSON with a trailing newline.
func (m Manifest) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
