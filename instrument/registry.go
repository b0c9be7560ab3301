package instrument

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// defaultInstruments is the instrument universe used when no file is configured.
var defaultInstruments = []shared.Instrument{
	{Symbol: "RELIANCE", Key: "NSE_EQ|INE002A01018", Name: "Reliance Industries", Exchange: "NSE", Selected: true},
	{Symbol: "TCS", Key: "NSE_EQ|INE467B01029", Name: "Tata Consultancy Services", Exchange: "NSE", Selected: true},
	{Symbol: "HDFCBANK", Key: "NSE_EQ|INE040A01034", Name: "HDFC Bank", Exchange: "NSE", Selected: true},
	{Symbol: "INFY", Key: "NSE_EQ|INE009A01021", Name: "Infosys", Exchange: "NSE", Selected: true},
	{Symbol: "ICICIBANK", Key: "NSE_EQ|INE090A01021", Name: "ICICI Bank", Exchange: "NSE"},
	{Symbol: "SBIN", Key: "NSE_EQ|INE062A01020", Name: "State Bank of India", Exchange: "NSE"},
}

// universe represents the instrument universe file.
type universe struct {
	Instruments []shared.Instrument `yaml:"instruments"`
}

// RegistryConfig represents the instrument registry configuration.
type RegistryConfig struct {
	// FilePath is the path to the instrument universe file, the default universe
	// is used when empty.
	FilePath string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RegistryConfig) Validate() error {
	var errs error

	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Registry resolves symbols to instruments.
type Registry struct {
	cfg         *RegistryConfig
	instruments []shared.Instrument
	byKey       map[string]shared.Instrument
	mtx         sync.RWMutex
}

// loadUniverse loads the instrument universe from the provided file path.
func loadUniverse(path string) ([]shared.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instrument universe '%s': %w", path, err)
	}

	var u universe
	err = yaml.Unmarshal(data, &u)
	if err != nil {
		return nil, fmt.Errorf("parsing instrument universe '%s': %w", path, err)
	}

	if len(u.Instruments) == 0 {
		return nil, fmt.Errorf("%w: instrument universe '%s' is empty", shared.ErrNoInstruments, path)
	}

	for idx := range u.Instruments {
		inst := &u.Instruments[idx]
		if inst.Symbol == "" || inst.Key == "" {
			return nil, fmt.Errorf("instrument %d requires a symbol and an instrument key", idx)
		}
		inst.Symbol = strings.ToUpper(inst.Symbol)
		inst.Exchange = strings.ToUpper(inst.Exchange)
		if inst.Exchange == "" {
			inst.Exchange, _, _ = strings.Cut(inst.Key, "_")
		}
	}

	return u.Instruments, nil
}

// NewRegistry initializes a new instrument registry.
func NewRegistry(cfg *RegistryConfig) (*Registry, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating registry config: %w", err)
	}

	instruments := slices.Clone(defaultInstruments)
	if cfg.FilePath != "" {
		instruments, err = loadUniverse(cfg.FilePath)
		if err != nil {
			return nil, err
		}
	}

	reg := &Registry{
		cfg:         cfg,
		instruments: instruments,
		byKey:       make(map[string]shared.Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		reg.byKey[inst.Key] = inst
	}

	cfg.Logger.Info().Msgf("loaded %d instrument(s)", len(instruments))

	return reg, nil
}

// All returns every instrument in the universe.
func (r *Registry) All() []shared.Instrument {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return slices.Clone(r.instruments)
}

// Selected returns the instruments flagged as selected.
func (r *Registry) Selected() []shared.Instrument {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var selected []shared.Instrument
	for _, inst := range r.instruments {
		if inst.Selected {
			selected = append(selected, inst)
		}
	}

	return selected
}

// ByKey returns the instrument with the provided instrument key.
func (r *Registry) ByKey(key string) (shared.Instrument, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	inst, ok := r.byKey[key]
	return inst, ok
}

// Resolve maps the provided symbols on the provided exchange to instruments. Unknown
// symbols are logged and skipped, an empty resolution is an error.
func (r *Registry) Resolve(symbols []string, exchange string) ([]shared.Instrument, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols provided", shared.ErrNoInstruments)
	}

	exchange = strings.ToUpper(exchange)

	r.mtx.RLock()
	defer r.mtx.RUnlock()

	resolved := make([]shared.Instrument, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if seen[symbol] {
			continue
		}

		idx := slices.IndexFunc(r.instruments, func(inst shared.Instrument) bool {
			return inst.Symbol == symbol && (exchange == "" || inst.Exchange == exchange)
		})
		if idx < 0 {
			r.cfg.Logger.Warn().Msgf("no instrument found for %s on %s", symbol, exchange)
			continue
		}

		seen[symbol] = true
		resolved = append(resolved, r.instruments[idx])
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: none of %v resolved on %s", shared.ErrNoInstruments,
			symbols, exchange)
	}

	return resolved, nil
}

// Select flags the provided symbols as selected, clearing previous selections.
func (r *Registry) Select(symbols ...string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for idx := range r.instruments {
		inst := &r.instruments[idx]
		inst.Selected = slices.Contains(symbols, inst.Symbol)
		r.byKey[inst.Key] = *inst
	}
}
