package artifact

import (
	"path"
	"strings"
)

// Storage layout prefixes.
const (
	IndicatorsConfigPrefix = "config/indicators/"
	SourcesConfigPrefix    = "config/sources/"
	UtilitiesPrefix        = "config/utilities/"
	RawSourcesPrefix       = "sources/raw/"
	OutputPrefix           = "output/"
)

// Paths derives blob keys for a project.
type Paths struct {
	Project string
}

// Raw is where the downloaded bytes of a source are stored.
func (p Paths) Raw(saveAs string) string {
	return RawSourcesPrefix + strings.TrimPrefix(saveAs, "/")
}

// Base is the base artifact of a source.
func (p Paths) Base(sourceID string) string {
	return path.Join(OutputPrefix, p.Project, "base", sourceID+".csv")
}

// Output is a published file of the project.
func (p Paths) Output(name string) string {
	return path.Join(OutputPrefix, p.Project, name)
}

// IndicatorConfig is the config blob of an indicator.
func (p Paths) IndicatorConfig(id string) string {
	return IndicatorsConfigPrefix + id + ".yaml"
}

// SourceConfig is the config blob of a source.
func (p Paths) SourceConfig(id string) string {
	return SourcesConfigPrefix + strings.ToLower(id) + ".yaml"
}

// Utility is a shared utility file such as the country lookup.
func (p Paths) Utility(name string) string {
	return UtilitiesPrefix + name
}
