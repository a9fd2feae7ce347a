package routefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const campus = `
routes:
  - id: 1
    name: Campus Loop
    stops:
      - {id: 10, name: Library, lat: 40.000, lon: -75.000}
      - {id: 11, name: Union, lat: 40.001, lon: -75.000}
      - {id: 12, name: Gym, lat: 40.002, lon: -75.000}
  - id: 2
    name: Late Night
    stops:
      - {id: 12, name: Gym, lat: 40.002, lon: -75.000}
      - {id: 10, name: Library, lat: 40.000, lon: -75.000}
`

func TestLoad(t *testing.T) {
	routes, err := Load(strings.NewReader(campus))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, int32(1), routes[0].ID)
	assert.Equal(t, "Campus Loop", routes[0].Name)
	require.Len(t, routes[0].Stops, 3)
	for i, s := range routes[0].Stops {
		assert.Equal(t, i, s.Position)
	}
	assert.Equal(t, "Union", routes[0].Stops[1].Name)
	assert.Equal(t, 40.001, routes[0].Stops[1].Latitude)

	assert.Equal(t, int64(12), routes[1].Stops[0].ID)
	assert.Equal(t, routes[0].Stops[2].Coordinate(), routes[1].Stops[0].Coordinate())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no routes", "routes: []\n"},
		{"route without stops", "routes:\n  - {id: 1, name: A, stops: []}\n"},
		{"zero route id", "routes:\n  - id: 0\n    name: A\n    stops: [{id: 1, lat: 1, lon: 1}]\n"},
		{"missing name", "routes:\n  - id: 1\n    stops: [{id: 1, lat: 1, lon: 1}]\n"},
		{"latitude out of range", "routes:\n  - id: 1\n    name: A\n    stops: [{id: 1, lat: 91, lon: 1}]\n"},
		{"longitude out of range", "routes:\n  - id: 1\n    name: A\n    stops: [{id: 1, lat: 1, lon: -181}]\n"},
		{"unknown field", "routes:\n  - id: 1\n    name: A\n    colour: red\n    stops: [{id: 1, lat: 1, lon: 1}]\n"},
		{"shared stop moved", "routes:\n  - {id: 1, name: A, stops: [{id: 10, name: Library, lat: 40, lon: -75}]}\n  - {id: 2, name: B, stops: [{id: 10, name: Mall, lat: 41, lon: -76}]}\n"},
		{"shared stop renamed", "routes:\n  - {id: 1, name: A, stops: [{id: 10, name: Library, lat: 40, lon: -75}]}\n  - {id: 2, name: B, stops: [{id: 10, name: Mall, lat: 40, lon: -75}]}\n"},
		{"duplicate route", "routes:\n  - {id: 1, name: A, stops: [{id: 1, lat: 1, lon: 1}]}\n  - {id: 1, name: B, stops: [{id: 2, lat: 1, lon: 1}]}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(campus), 0o644))

	routes, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, routes, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
