// Package routefile loads route topology from a YAML seed document:
//
//	routes:
//	  - id: 1
//	    name: Campus Loop
//	    stops:
//	      - {id: 10, name: Library, lat: 40.0, lon: -75.0}
//
// Stop order in the document is the route order.
package routefile

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"shuttle-tracker/internal/models"
)

// File is the seed document
type File struct {
	Routes []RouteConfig `yaml:"routes" validate:"required,min=1,dive"`
}

// RouteConfig is one route and its stops in order
type RouteConfig struct {
	ID    int32        `yaml:"id" validate:"gt=0"`
	Name  string       `yaml:"name" validate:"required"`
	Stops []StopConfig `yaml:"stops" validate:"required,min=1,dive"`
}

// StopConfig is one stop; a stop id shared by routes must match everywhere
type StopConfig struct {
	ID   int64   `yaml:"id" validate:"gt=0"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon  float64 `yaml:"lon" validate:"gte=-180,lte=180"`
}

// LoadFile reads and validates a seed file
func LoadFile(path string) ([]models.Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open route file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a seed document
func Load(r io.Reader) ([]models.Route, error) {
	var doc File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode route file: %w", err)
	}

	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid route file: %w", err)
	}

	seen := make(map[int32]bool, len(doc.Routes))
	stops := make(map[int64]StopConfig)
	routes := make([]models.Route, 0, len(doc.Routes))
	for _, rc := range doc.Routes {
		if seen[rc.ID] {
			return nil, fmt.Errorf("invalid route file: duplicate route id %d", rc.ID)
		}
		seen[rc.ID] = true

		route := models.Route{ID: rc.ID, Name: rc.Name, Stops: make([]models.Stop, len(rc.Stops))}
		for i, sc := range rc.Stops {
			// Stops are shared rows in storage; a reused id must describe the same stop
			if prev, ok := stops[sc.ID]; ok && prev != sc {
				return nil, fmt.Errorf("invalid route file: stop %d on route %d conflicts with an earlier definition", sc.ID, rc.ID)
			}
			stops[sc.ID] = sc
			route.Stops[i] = models.Stop{
				ID:        sc.ID,
				Position:  i,
				Name:      sc.Name,
				Latitude:  sc.Lat,
				Longitude: sc.Lon,
			}
		}
		routes = append(routes, route)
	}
	return routes, nil
}
