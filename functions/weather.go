// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package functions

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"

	// More fields than the reply uses, the upstream response is cheap and
	// the spares have come in handy when tweaking the reply wording.
	forecastDailyFields = "weathercode,temperature_2m_max,temperature_2m_min," +
		"apparent_temperature_max,apparent_temperature_min,uv_index_max," +
		"precipitation_hours,precipitation_probability_max"
)

// wmoConditions maps WMO interpretation codes to prose the model can read
// out loud.
var wmoConditions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear, partly cloudy, and overcast",
	2:  "Mainly clear, partly cloudy, and overcast",
	3:  "Mainly clear, partly cloudy, and overcast",
	45: "Fog and depositing rime fog",
	48: "Fog and depositing rime fog",
	51: "Drizzle: Light, moderate, and dense intensity",
	53: "Drizzle: Light, moderate, and dense intensity",
	55: "Drizzle: Light, moderate, and dense intensity",
	56: "Freezing Drizzle: Light and dense intensity",
	57: "Freezing Drizzle: Light and dense intensity",
	61: "Rain: Slight, moderate and heavy intensity",
	63: "Rain: Slight, moderate and heavy intensity",
	65: "Rain: Slight, moderate and heavy intensity",
	66: "Freezing Rain: Light and heavy intensity",
	67: "Freezing Rain: Light and heavy intensity",
	71: "Snow fall: Slight, moderate, and heavy intensity",
	73: "Snow fall: Slight, moderate, and heavy intensity",
	75: "Snow fall: Slight, moderate, and heavy intensity",
	77: "Snow grains",
	80: "Rain showers: Slight, moderate, and violent",
	81: "Rain showers: Slight, moderate, and violent",
	82: "Rain showers: Slight, moderate, and violent",
	85: "Snow showers slight and heavy",
	86: "Snow showers slight and heavy",
	95: "Thunderstorm: Slight or moderate",
	96: "Thunderstorm with slight and heavy hail",
	99: "Thunderstorm with slight and heavy hail",
}

// WeatherService answers the weather tool through open-meteo, geocoding
// the spoken location first.
type WeatherService struct {
	http *resty.Client
	log  zerolog.Logger

	GeocodingURL string
	ForecastURL  string
}

func NewWeatherService() *WeatherService {
	return &WeatherService{
		http:         resty.New().SetTimeout(10 * time.Second),
		log:          log.With().Str("caller", "functions").Logger(),
		GeocodingURL: defaultGeocodingURL,
		ForecastURL:  defaultForecastURL,
	}
}

// Module exposes the weather tool.
func (s *WeatherService) Module() Module {
	return Module{
		Name: "weather",
		Functions: []Definition{{
			Name:        "get_weather_today",
			Description: "Gets the current weather for today for Barcelona, where the user is located.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"location": {Type: "string", Description: "The name of he city for the weather forecast."},
					"day":      {Type: "string", Description: "Day for the weather forecast in ISO 8601 format: YYYY-MM-DD."},
				},
				Required: []string{"location", "day"},
			},
			Handler: s.forecast,
		}},
	}
}

type geoPlace struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Name        string  `json:"name"`
	CountryCode string  `json:"country_code"`
}

type dailyValues struct {
	Daily struct {
		Weathercode                 []int     `json:"weathercode"`
		TemperatureMax              []float64 `json:"temperature_2m_max"`
		TemperatureMin              []float64 `json:"temperature_2m_min"`
		PrecipitationProbabilityMax []float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
	DailyUnits map[string]string `json:"daily_units"`
}

func (s *WeatherService) forecast(args map[string]any) (string, error) {
	day, ok := stringArg(args, "day")
	if !ok {
		return `The "day" parameter is mandatory.`, nil
	}
	location, ok := stringArg(args, "location")
	if !ok {
		return `The "location" parameter is mandatory.`, nil
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return "Day needs to be specified in ISO 8601 format: YYYY-MM-DD.", nil
	}

	place, found, err := s.geocode(location)
	if err != nil {
		return "", fmt.Errorf("geocoding %q: %w", location, err)
	}
	if !found {
		return "Sorry, cannot find location " + location, nil
	}

	s.log.Debug().Str("location", location).Str("found", place.Name+", "+place.CountryCode).
		Str("day", day).Msg("Fetching forecast")

	var values dailyValues
	resp, err := s.http.R().
		SetQueryParams(map[string]string{
			"latitude":   formatNumber(place.Latitude),
			"longitude":  formatNumber(place.Longitude),
			"daily":      forecastDailyFields,
			"timezone":   "Europe/Berlin",
			"start_date": day,
			"end_date":   day,
		}).
		SetResult(&values).
		Get(s.ForecastURL)
	if err != nil {
		return "", fmt.Errorf("forecast: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("forecast: status %s", resp.Status())
	}

	daily := values.Daily
	if len(daily.Weathercode) == 0 || len(daily.TemperatureMax) == 0 ||
		len(daily.TemperatureMin) == 0 || len(daily.PrecipitationProbabilityMax) == 0 {
		return "", fmt.Errorf("forecast: no daily values for %s", day)
	}

	prediction, ok := wmoConditions[daily.Weathercode[0]]
	if !ok {
		prediction = "Unknown"
	}

	return fmt.Sprintf("Weather forecast for %s in %s, %s\n\n"+
		"Prediction: %s\n"+
		"Max temperature: %s%s\n"+
		"Min temperature: %s%s\n"+
		"Precipitation probability: %s%s",
		day, place.Name, place.CountryCode,
		prediction,
		formatNumber(daily.TemperatureMax[0]), values.DailyUnits["temperature_2m_max"],
		formatNumber(daily.TemperatureMin[0]), values.DailyUnits["temperature_2m_min"],
		formatNumber(daily.PrecipitationProbabilityMax[0]), values.DailyUnits["precipitation_probability_max"]), nil
}

func (s *WeatherService) geocode(location string) (geoPlace, bool, error) {
	var result struct {
		Results []geoPlace `json:"results"`
	}
	resp, err := s.http.R().
		SetQueryParams(map[string]string{"name": location, "count": "1"}).
		SetResult(&result).
		Get(s.GeocodingURL)
	if err != nil {
		return geoPlace{}, false, err
	}
	if resp.IsError() {
		return geoPlace{}, false, fmt.Errorf("status %s", resp.Status())
	}
	if len(result.Results) == 0 {
		return geoPlace{}, false, nil
	}
	return result.Results[0], true, nil
}

// formatNumber renders floats the way they came in the JSON, no forced
// decimals, so 45 stays "45" and 21.7 stays "21.7".
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
