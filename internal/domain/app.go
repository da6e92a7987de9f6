package domain

import "time"

// Theme holds the visual parameters requested for the next release.
// Empty fields are omitted from build substitutions.
type Theme struct {
	Gradient  string   `json:"gradient,omitempty" koanf:"gradient"`
	Font      string   `json:"font,omitempty" koanf:"font"`
	AsciiFont string   `json:"ascii_font,omitempty" koanf:"ascii_font"`
	Colors    []string `json:"colors,omitempty" koanf:"colors"`
}

// Substitutions maps present theme fields onto build parameter keys.
func (t Theme) Substitutions() map[string]string {
	subs := make(map[string]string)
	if t.Gradient != "" {
		subs["_GRADIENT"] = t.Gradient
	}
	if t.Font != "" {
		subs["_FONT"] = t.Font
	}
	if t.AsciiFont != "" {
		subs["_ASCII_FONT"] = t.AsciiFont
	}
	return subs
}

// Application is one deployed instance of the demo app being monitored.
type Application struct {
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Version   string    `json:"version,omitempty"`
	Theme     *Theme    `json:"theme,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppStatus is the JSON document each fleet member serves about itself.
// Its fields are merged onto the stored Application on a successful fetch.
type AppStatus struct {
	Version string `json:"version"`
	Theme   *Theme `json:"theme,omitempty"`
}
