// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package builtin provides the tools shipped with EarthAgent: current weather
// from OpenWeatherMap and great-circle distance between two places.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
)

const defaultOWMBaseURL = "https://api.openweathermap.org"

// ErrNotConfigured is returned when the weather service has no API key.
var ErrNotConfigured = errors.New("weather service is not configured")

// ErrPlaceNotFound is returned when geocoding finds no match.
var ErrPlaceNotFound = errors.New("place not found")

// Place is a geocoded location.
type Place struct {
	Name      string  `json:"name"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geocoder resolves a place name to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (Place, error)
}

// OpenWeatherMap is a minimal client for the current-weather and direct
// geocoding endpoints.
type OpenWeatherMap struct {
	httpClient *http.Client
	baseURL    string
	apiKey     *secrets.Secret
}

// NewOpenWeatherMap creates a client. An empty baseURL selects the public API.
// A nil apiKey yields a client whose calls fail with ErrNotConfigured.
func NewOpenWeatherMap(baseURL string, apiKey *secrets.Secret, timeout time.Duration) *OpenWeatherMap {
	if baseURL == "" {
		baseURL = defaultOWMBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenWeatherMap{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Configured reports whether an API key is present.
func (o *OpenWeatherMap) Configured() bool {
	return o != nil && o.apiKey != nil
}

type owmWeather struct {
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Dt int64 `json:"dt"`
}

// CurrentWeather returns current conditions for a place name or "lat,lon".
func (o *OpenWeatherMap) CurrentWeather(ctx context.Context, location, units string) (map[string]any, error) {
	params := url.Values{}
	params.Set("units", units)
	if lat, lon, ok := ParseCoordinates(location); ok {
		params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	} else {
		params.Set("q", location)
	}

	var w owmWeather
	if err := o.get(ctx, "/data/2.5/weather", params, &w); err != nil {
		return nil, err
	}

	description := ""
	if len(w.Weather) > 0 {
		description = w.Weather[0].Description
	}
	tempUnit, speedUnit := "°C", "m/s"
	switch units {
	case "imperial":
		tempUnit, speedUnit = "°F", "mph"
	case "standard":
		tempUnit = "K"
	}

	return map[string]any{
		"location": map[string]any{
			"name":    w.Name,
			"country": w.Sys.Country,
			"coordinates": map[string]any{
				"latitude":  w.Coord.Lat,
				"longitude": w.Coord.Lon,
			},
		},
		"weather": map[string]any{
			"description": description,
			"temperature": map[string]any{
				"current":    w.Main.Temp,
				"feels_like": w.Main.FeelsLike,
				"min":        w.Main.TempMin,
				"max":        w.Main.TempMax,
				"unit":       tempUnit,
			},
			"humidity": map[string]any{"value": w.Main.Humidity, "unit": "%"},
			"pressure": map[string]any{"value": w.Main.Pressure, "unit": "hPa"},
			"wind": map[string]any{
				"speed":      w.Wind.Speed,
				"direction":  w.Wind.Deg,
				"speed_unit": speedUnit,
			},
			"clouds":    map[string]any{"value": w.Clouds.All, "unit": "%"},
			"timestamp": w.Dt,
			"sunrise":   w.Sys.Sunrise,
			"sunset":    w.Sys.Sunset,
		},
	}, nil
}

// Geocode implements Geocoder with the direct geocoding endpoint.
func (o *OpenWeatherMap) Geocode(ctx context.Context, query string) (Place, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", "1")

	var matches []struct {
		Name    string  `json:"name"`
		Country string  `json:"country"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := o.get(ctx, "/geo/1.0/direct", params, &matches); err != nil {
		return Place{}, err
	}
	if len(matches) == 0 {
		return Place{}, fmt.Errorf("%w: %s", ErrPlaceNotFound, query)
	}
	m := matches[0]
	return Place{Name: m.Name, Country: m.Country, Latitude: m.Lat, Longitude: m.Lon}, nil
}

func (o *OpenWeatherMap) get(ctx context.Context, path string, params url.Values, out any) error {
	if !o.Configured() {
		return ErrNotConfigured
	}
	return o.apiKey.Use(func(key string) error {
		params.Set("appid", key)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path+"?"+params.Encode(), nil)
		params.Del("appid")
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		resp, err := o.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("openweathermap request failed: %w", redactURLError(err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read openweathermap response: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrPlaceNotFound, params.Get("q"))
		}
		if resp.StatusCode != http.StatusOK {
			slog.Warn("OpenWeatherMap returned an error", "status_code", resp.StatusCode, "path", path)
			return fmt.Errorf("openweathermap returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse openweathermap response: %w", err)
		}
		return nil
	})
}

// redactURLError strips the request URL, which carries the API key, from
// transport errors.
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// ParseCoordinates parses "lat,lon" with both values in range.
func ParseCoordinates(s string) (lat, lon float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Geocoder = (*OpenWeatherMap)(nil)
