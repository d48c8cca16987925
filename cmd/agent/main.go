// Command agent is a headless office participant. It joins a relay,
// walks an optional path and talks through a file or silence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Office/internal/adapters/rtc"
	"github.com/dkeye/Office/internal/adapters/wsclient"
	"github.com/dkeye/Office/internal/app/orch"
	"github.com/dkeye/Office/internal/config"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/voice"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.AgentFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	path, err := parsePath(cfg.Agent.Path)
	if err != nil {
		return err
	}
	model, err := cfg.Proximity.Model()
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(cfg.Media.ICEServers)
	if err != nil {
		return fmt.Errorf("media factory: %w", err)
	}

	var source voice.Source = voice.SilenceSource{}
	if cfg.Agent.AudioFile != "" || cfg.Agent.VideoFile != "" {
		source = voice.FileSource{AudioPath: cfg.Agent.AudioFile, VideoPath: cfg.Agent.VideoFile}
	}

	self := domain.NewPeerID()
	logger := log.With().Str("module", "agent").Str("self", string(self)).Logger()
	agent := orch.New(orch.Config{
		Self:               self,
		Name:               cfg.Agent.Name,
		Office:             domain.OfficeName(cfg.Agent.Office),
		Start:              domain.Position{X: cfg.Agent.X, Y: cfg.Agent.Y},
		VoiceOnJoin:        cfg.Agent.Voice,
		Signal:             wsclient.New(cfg.Agent.ServerURL, self, cfg.PingPeriod),
		Factory:            factory,
		Voice:              voice.NewState(source),
		Model:              model,
		GainDelta:          cfg.Proximity.GainDelta,
		Tick:               cfg.Proximity.Tick,
		NegotiationTimeout: cfg.Media.NegotiationTimeout,
		ActivityInterval:   cfg.Activity.Interval,
		ActivityThreshold:  cfg.Activity.Threshold,
		AutoAccept:         cfg.Agent.AutoAccept,
		OnEvent: func(ev orch.Event) {
			e := logger.Info().Str("event", string(ev.Kind))
			if ev.Peer != "" {
				e = e.Str("peer", string(ev.Peer))
			}
			if ev.Err != nil {
				e = e.Err(ev.Err)
			}
			e.Msg(ev.Text)
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := agent.Run(ctx)
		if err == nil {
			return context.Canceled
		}
		return err
	})
	g.Go(func() error {
		return commandLoop(ctx, agent, os.Stdin, os.Stdout)
	})
	if len(path) > 0 {
		g.Go(func() error {
			return walk(ctx, agent, path, cfg.Agent.StepInterval)
		})
	}
	return g.Wait()
}

func walk(ctx context.Context, a mover, path []domain.Position, step time.Duration) error {
	if step <= 0 {
		step = time.Second
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(path) {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := a.Move(path[i]); err != nil {
			if errors.Is(err, orch.ErrStopped) {
				return nil
			}
			log.Warn().Str("module", "agent").Err(err).Msg("walk step")
		}
	}
}
