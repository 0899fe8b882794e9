// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AleutianAI/EarthAgent/services/agent/tools"
)

const (
	WeatherToolName  = "get_current_weather"
	DistanceToolName = "calculate_distance"

	earthRadiusKm = 6371.0088
	kmPerMile     = 1.609344
)

// NewCurrentWeatherTool returns the get_current_weather tool backed by owm.
func NewCurrentWeatherTool(owm *OpenWeatherMap) tools.Tool {
	def := tools.ToolDefinition{
		Name:        WeatherToolName,
		Description: "Get the current weather conditions for a location given as a place name or as 'lat,lon'.",
		Category:    tools.CategoryWeather,
		Parameters: map[string]tools.ParamDef{
			"location": {
				Type:        tools.ParamTypeString,
				Description: "Place name (e.g. 'Paris' or 'Paris,FR') or coordinates 'lat,lon'",
				Required:    true,
				MinLength:   1,
				MaxLength:   200,
			},
			"units": {
				Type:        tools.ParamTypeString,
				Description: "Units of measurement",
				Enum:        []any{"metric", "imperial", "standard"},
				Default:     "metric",
			},
		},
		Timeout:  15 * time.Second,
		CacheTTL: 10 * time.Minute,
	}
	return tools.NewFuncTool(def, func(ctx context.Context, params map[string]any) (*tools.Result, error) {
		location := strings.TrimSpace(params["location"].(string))
		units, _ := params["units"].(string)
		if units == "" {
			units = "metric"
		}
		data, err := owm.CurrentWeather(ctx, location, units)
		if err != nil {
			return nil, err
		}
		return tools.Succeed(data), nil
	})
}

// NewDistanceTool returns the calculate_distance tool. Place names are
// resolved through geo; with a nil geo only "lat,lon" inputs are accepted.
func NewDistanceTool(geo Geocoder) tools.Tool {
	def := tools.ToolDefinition{
		Name:        DistanceToolName,
		Description: "Calculate the great-circle distance between two locations given as place names or 'lat,lon'.",
		Category:    tools.CategoryGeospatial,
		Parameters: map[string]tools.ParamDef{
			"location1": {Type: tools.ParamTypeString, Description: "First location", Required: true, MinLength: 1},
			"location2": {Type: tools.ParamTypeString, Description: "Second location", Required: true, MinLength: 1},
			"unit": {
				Type:        tools.ParamTypeString,
				Description: "Distance unit",
				Enum:        []any{"kilometers", "miles", "meters"},
				Default:     "kilometers",
			},
		},
		Timeout:  15 * time.Second,
		CacheTTL: time.Hour,
	}
	return tools.NewFuncTool(def, func(ctx context.Context, params map[string]any) (*tools.Result, error) {
		from, err := resolve(ctx, geo, params["location1"].(string))
		if err != nil {
			return nil, err
		}
		to, err := resolve(ctx, geo, params["location2"].(string))
		if err != nil {
			return nil, err
		}

		unit, _ := params["unit"].(string)
		km := Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
		var distance float64
		switch unit {
		case "miles":
			distance = km / kmPerMile
		case "meters":
			distance = km * 1000
		default:
			unit = "kilometers"
			distance = km
		}

		return tools.Succeed(map[string]any{
			"distance":  math.Round(distance*1000) / 1000,
			"unit":      unit,
			"location1": from,
			"location2": to,
		}), nil
	})
}

func resolve(ctx context.Context, geo Geocoder, location string) (Place, error) {
	location = strings.TrimSpace(location)
	if lat, lon, ok := ParseCoordinates(location); ok {
		return Place{Name: location, Latitude: lat, Longitude: lon}, nil
	}
	if geo == nil {
		return Place{}, errors.New("place names need a geocoder; pass coordinates as 'lat,lon'")
	}
	p, err := geo.Geocode(ctx, location)
	if err != nil {
		return Place{}, fmt.Errorf("could not find location %q: %w", location, err)
	}
	return p, nil
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Register adds every built-in tool to reg. When owm has no key the
// distance tool works on coordinates only; the weather tool stays listed and
// fails at call time, which the dispatcher turns into a fallback answer.
func Register(reg *tools.Registry, owm *OpenWeatherMap) error {
	var geo Geocoder
	if owm.Configured() {
		geo = owm
	}
	for _, t := range []tools.Tool{NewCurrentWeatherTool(owm), NewDistanceTool(geo)} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
