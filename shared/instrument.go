package shared

// Instrument represents a tradable instrument and its provider key.
type Instrument struct {
	Symbol   string `yaml:"symbol"`
	Key      string `yaml:"instrument_key"`
	Name     string `yaml:"name"`
	Exchange string `yaml:"exchange"`
	Selected bool   `yaml:"selected"`
}
