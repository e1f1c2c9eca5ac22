// Package viewer builds neuroglancer viewer state that shows an original
// volume and its Z-projection side by side.
package viewer

import (
	"encoding/json"
	"net/url"
	"strings"
)

const (
	OriginalLayer  = "Original Image"
	ProjectedLayer = "Z-Projection Image"
)

// rgbShader combines the first three channels into one color.
const rgbShader = `void main() {
  emitRGB(vec3(toNormalized(getDataValue(0)),
               toNormalized(getDataValue(1)),
               toNormalized(getDataValue(2))));
}
`

const grayShader = `void main() {
  emitGrayscale(toNormalized(getDataValue()));
}
`

// Dimension is a neuroglancer [scale, unit] pair.
type Dimension [2]interface{}

// Layer is an image layer backed by a precomputed source.
type Layer struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Name   string `json:"name"`
	Shader string `json:"shader"`
}

// Panel is one layer-group viewer of a row layout.
type Panel struct {
	Type   string   `json:"type"`
	Layers []string `json:"layers"`
}

// Layout arranges panels.
type Layout struct {
	Type     string  `json:"type"`
	Children []Panel `json:"children"`
}

// State is the subset of neuroglancer viewer state this service sets.
type State struct {
	Dimensions map[string]Dimension `json:"dimensions"`
	Layers     []Layer              `json:"layers"`
	Layout     Layout               `json:"layout"`
}

// Params carries what the state needs to know about the volumes.
type Params struct {
	// OriginalSource and ProjectedSource are precomputed base URLs
	OriginalSource  string
	ProjectedSource string

	Channels  int
	VoxelSize [3]float64 // x, y, z
	Units     string
}

// NewState returns state with two image layers in a row layout.
func NewState(p Params) State {
	units := p.Units
	if units == "" {
		units = "nm"
	}
	shader := grayShader
	if p.Channels >= 3 {
		shader = rgbShader
	}
	return State{
		Dimensions: map[string]Dimension{
			"x": {p.VoxelSize[0], units},
			"y": {p.VoxelSize[1], units},
			"z": {p.VoxelSize[2], units},
		},
		Layers: []Layer{
			{Type: "image", Source: "precomputed://" + p.OriginalSource, Name: OriginalLayer, Shader: shader},
			{Type: "image", Source: "precomputed://" + p.ProjectedSource, Name: ProjectedLayer, Shader: shader},
		},
		Layout: Layout{
			Type: "row",
			Children: []Panel{
				{Type: "viewer", Layers: []string{OriginalLayer}},
				{Type: "viewer", Layers: []string{ProjectedLayer}},
			},
		},
	}
}

// URL returns a link that opens the state in the neuroglancer client at base.
func (s State) URL(base string) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/") + "/#!" + url.PathEscape(string(data)), nil
}
