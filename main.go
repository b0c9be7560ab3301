package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/dnldd/candlekeep/database"
	"github.com/dnldd/candlekeep/feed"
	"github.com/dnldd/candlekeep/fetch"
	"github.com/dnldd/candlekeep/instrument"
	"github.com/dnldd/candlekeep/service"
	"github.com/dnldd/candlekeep/shared"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// openStore opens the configured candle store.
func openStore(ctx context.Context, cfg *Config, loc *time.Location, logger *zerolog.Logger) (shared.CandleStore, error) {
	switch cfg.Store {
	case storeSQLite:
		return database.NewSQLite(ctx, &database.SQLiteConfig{
			Path:     cfg.SQLitePath,
			Location: loc,
			Logger:   logger,
		})
	case storeRQLite:
		return database.NewRQLite(ctx, &database.RQLiteConfig{
			Endpoint: cfg.RQLiteURL,
			User:     cfg.RQLiteUser,
			Pass:     cfg.RQLitePass,
			Location: loc,
			Logger:   logger,
		})
	default:
		return database.NewMemory(), nil
	}
}

// sessionCalendar returns the exchange holiday calendar when configured.
func sessionCalendar(cfg *Config, loc *time.Location) (shared.SessionCalendar, error) {
	if cfg.ExchangeMIC == "" {
		return shared.WeekdayCalendar{Location: loc}, nil
	}

	return shared.NewExchangeCalendar(cfg.ExchangeMIC)
}

// newStream wires the stream service from the provided config.
func newStream(ctx context.Context, cfg *Config, cancel context.CancelFunc, logger *zerolog.Logger) (*service.Stream, shared.CandleStore, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("loading session location: %v", err)
	}

	clock, err := shared.NewClock(loc)
	if err != nil {
		return nil, nil, fmt.Errorf("creating clock: %v", err)
	}

	session, err := shared.NewSessionHours(cfg.SessionOpen, cfg.SessionClose, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("creating session hours: %v", err)
	}

	calendar, err := sessionCalendar(cfg, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("creating session calendar: %v", err)
	}

	registryLogger := logger.With().Str("component", "registry").Logger()
	registry, err := instrument.NewRegistry(&instrument.RegistryConfig{
		FilePath: cfg.InstrumentsFile,
		Logger:   &registryLogger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating instrument registry: %v", err)
	}
	registry.Select(cfg.Symbols...)

	clientLogger := logger.With().Str("component", "client").Logger()
	client, err := fetch.NewClient(&fetch.ClientConfig{
		BaseURL: cfg.APIBaseURL,
		Clock:   clock,
		Logger:  &clientLogger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating backfill client: %v", err)
	}

	var liveFeed shared.Feed
	feedLogger := logger.With().Str("component", "feed").Logger()
	switch cfg.Replay {
	case true:
		liveFeed, err = feed.NewReplay(&feed.ReplayConfig{
			FilePath: cfg.ReplayDataFilepath,
			Logger:   &feedLogger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating replay: %v", err)
		}
	case false:
		liveFeed, err = feed.NewWebSocket(&feed.WebSocketConfig{
			AuthorizeURL: cfg.AuthorizeURL,
			Logger:       &feedLogger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating websocket feed: %v", err)
		}
	}

	storeLogger := logger.With().Str("component", "store").Logger()
	store, err := openStore(ctx, cfg, loc, &storeLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s store: %v", cfg.Store, err)
	}

	stream, err := service.NewStream(&service.StreamConfig{
		Registry:           registry,
		Store:              store,
		Fetcher:            client,
		Feed:               liveFeed,
		Clock:              clock,
		Session:            session,
		Calendar:           calendar,
		PersistTicks:       cfg.PersistTicks,
		LookbackDays:       cfg.LookbackDays,
		ValidationInterval: cfg.ValidationInterval,
		Replay:             cfg.Replay,
		Symbols:            cfg.Symbols,
		Exchange:           cfg.Exchange,
		Cancel:             cancel,
		Logger:             logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("creating stream service: %v", err)
	}

	return stream, store, nil
}

// startLive prepares history and starts streaming once it is complete.
func startLive(ctx context.Context, cfg *Config, stream *service.Stream, logger *zerolog.Logger) {
	status, err := stream.PrepareTrading(ctx, cfg.AccessToken, cfg.DaysBack)
	if err != nil {
		logger.Error().Msgf("preparing trading: %v", err)
		return
	}

	if !status.ReadyForTrading {
		logger.Warn().Msgf("history incomplete (%.2f%%, %d gap(s)), streaming not started",
			status.CompletionPercentage, status.GapCount)
		return
	}

	keys, err := stream.StartStream(ctx, cfg.Symbols, cfg.Exchange, cfg.AccessToken)
	if err != nil {
		logger.Error().Msgf("starting stream: %v", err)
		return
	}

	logger.Info().Msgf("streaming instrument keys %v", keys)
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Printf("loading config:%v", err)
		return
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := zlog.With().Str("app", "candlekeep").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, store, err := newStream(ctx, &cfg, cancel, &logger)
	if err != nil {
		logger.Error().Msgf("creating candlekeep service: %v", err)
		return
	}
	defer store.Close()

	go handleTermination(ctx, cancel)

	if !cfg.Replay {
		go startLive(ctx, &cfg, stream, &logger)
	}

	stream.Run(ctx)
}
