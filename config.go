package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/candlekeep/feed"
	"github.com/dnldd/candlekeep/fetch"
	"github.com/dnldd/candlekeep/shared"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	// Store kinds.
	storeMemory = "memory"
	storeSQLite = "sqlite"
	storeRQLite = "rqlite"

	// defaultDaysBack is the default number of days backfilled before streaming.
	defaultDaysBack = 30
)

// Config is the configuration struct for the service.
type Config struct {
	// Symbols represents the streamed symbols.
	Symbols []string
	// Exchange is the exchange of the streamed symbols.
	Exchange string
	// AccessToken is the provider access token.
	AccessToken string
	// APIBaseURL is the historical candle api base url.
	APIBaseURL string
	// AuthorizeURL is the market data feed authorization endpoint.
	AuthorizeURL string
	// InstrumentsFile is the instrument universe file, the default universe is used when empty.
	InstrumentsFile string
	// Timezone is the trading session timezone.
	Timezone string
	// SessionOpen is the daily session open, formatted as 15:04.
	SessionOpen string
	// SessionClose is the daily session close, formatted as 15:04.
	SessionClose string
	// ExchangeMIC is the market identifier code of the exchange holiday calendar,
	// weekdays are treated as trading days when empty.
	ExchangeMIC string
	// Store is the candle store kind, one of memory, sqlite or rqlite.
	Store string
	// SQLitePath is the sqlite database path.
	SQLitePath string
	// RQLiteURL is the rqlite connection endpoint.
	RQLiteURL string
	// RQLiteUser is the rqlite user.
	RQLiteUser string
	// RQLitePass is the rqlite user pass.
	RQLitePass string
	// Replay is the recorded tick replay flag.
	Replay bool
	// ReplayDataFilepath is the filepath to the recorded ticks.
	ReplayDataFilepath string
	// DaysBack is the number of days backfilled before streaming.
	DaysBack int
	// LookbackDays is the number of days checked for completeness.
	LookbackDays int
	// ValidationInterval is the periodic completeness check interval, zero disables it.
	ValidationInterval time.Duration
	// PersistTicks persists every streamed tick.
	PersistTicks bool
	// LogLevel is the global log level.
	LogLevel string

	registeredFlags map[string]bool
}

// setDefaults fills unset fields with their defaults.
func (cfg *Config) setDefaults() {
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = fetch.BaseURL
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = feed.AuthorizeURL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = shared.IndiaLocation
	}
	if cfg.SessionOpen == "" {
		cfg.SessionOpen = shared.NSEOpen
	}
	if cfg.SessionClose == "" {
		cfg.SessionClose = shared.NSEClose
	}
	if cfg.Store == "" {
		cfg.Store = storeMemory
	}
	if cfg.DaysBack == 0 {
		cfg.DaysBack = defaultDaysBack
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = zerolog.LevelInfoValue
	}
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if len(cfg.Symbols) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no symbols provided for candlekeep service"))
	}

	switch cfg.Replay {
	case true:
		if cfg.ReplayDataFilepath == "" {
			errs = errors.Join(errs, fmt.Errorf("replay data filepath cannot be an empty string"))
		}
	case false:
		if cfg.AccessToken == "" {
			errs = errors.Join(errs, fmt.Errorf("access token cannot be an empty string"))
		}
	}

	switch cfg.Store {
	case storeMemory, "":
	case storeSQLite:
		if cfg.SQLitePath == "" {
			errs = errors.Join(errs, fmt.Errorf("sqlite path cannot be an empty string"))
		}
	case storeRQLite:
		if cfg.RQLiteURL == "" {
			errs = errors.Join(errs, fmt.Errorf("rqlite url cannot be an empty string"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown store kind: %s", cfg.Store))
	}

	if cfg.DaysBack < 0 {
		errs = errors.Join(errs, fmt.Errorf("days back cannot be negative"))
	}
	if cfg.LookbackDays < 0 {
		errs = errors.Join(errs, fmt.Errorf("lookback days cannot be negative"))
	}
	if cfg.ValidationInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("validation interval cannot be negative"))
	}
	if cfg.LogLevel != "" {
		_, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("parsing log level: %w", err))
		}
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Int64:
		// Only handle time.Duration
		if val.Elem().Type() != reflect.TypeOf(time.Duration(0)) {
			return fmt.Errorf("%s: unsupported int64 type", name)
		}
		var def time.Duration
		if defValue != "" {
			def, _ = time.ParseDuration(defValue)
		}
		flag.DurationVar(value.(*time.Duration), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables as defaults.
	flags := []struct {
		name  string
		value any
		usage string
	}{
		{"symbols", &cfg.Symbols, "the streamed symbols"},
		{"exchange", &cfg.Exchange, "the exchange of the streamed symbols"},
		{"accesstoken", &cfg.AccessToken, "the provider access token"},
		{"apibaseurl", &cfg.APIBaseURL, "the historical candle api base url"},
		{"authorizeurl", &cfg.AuthorizeURL, "the market data feed authorization url"},
		{"instrumentsfile", &cfg.InstrumentsFile, "the instrument universe file"},
		{"timezone", &cfg.Timezone, "the trading session timezone"},
		{"sessionopen", &cfg.SessionOpen, "the daily session open"},
		{"sessionclose", &cfg.SessionClose, "the daily session close"},
		{"exchangemic", &cfg.ExchangeMIC, "the exchange market identifier code"},
		{"store", &cfg.Store, "the candle store kind (memory, sqlite, rqlite)"},
		{"sqlitepath", &cfg.SQLitePath, "the sqlite database path"},
		{"rqliteurl", &cfg.RQLiteURL, "the rqlite endpoint"},
		{"rqliteuser", &cfg.RQLiteUser, "the rqlite user"},
		{"rqlitepass", &cfg.RQLitePass, "the rqlite user pass"},
		{"replay", &cfg.Replay, "the replay flag"},
		{"replaydatafilepath", &cfg.ReplayDataFilepath, "the recorded ticks filepath"},
		{"daysback", &cfg.DaysBack, "the number of days backfilled before streaming"},
		{"lookbackdays", &cfg.LookbackDays, "the number of days checked for completeness"},
		{"validationinterval", &cfg.ValidationInterval, "the periodic completeness check interval"},
		{"persistticks", &cfg.PersistTicks, "the tick persistence flag"},
		{"loglevel", &cfg.LogLevel, "the log level"},
	}
	for _, f := range flags {
		err = cfg.registerFlag(f.name, f.value, f.usage)
		if err != nil {
			return err
		}
	}

	// Parse command-line flags.
	flag.Parse()

	cfg.setDefaults()

	return cfg.Validate()
}
