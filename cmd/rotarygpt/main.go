// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rotarygpt/rotarygpt"
	"github.com/rotarygpt/rotarygpt/aws"
	"github.com/rotarygpt/rotarygpt/config"
	"github.com/rotarygpt/rotarygpt/functions"
	"github.com/rotarygpt/rotarygpt/openai"
	"github.com/rotarygpt/rotarygpt/sip"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	err = func(ctx context.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		clips, err := rotarygpt.LoadClips(cfg.AudioDir)
		if err != nil {
			return err
		}

		voice := aws.NewVoiceSetting(cfg.PollyVoice)
		polly, err := aws.NewPollyClient(ctx, cfg.AWSAccessKey, cfg.AWSSecretKey, cfg.PollyRegion, voice)
		if err != nil {
			return err
		}

		registry := functions.NewRegistry()
		registry.RegisterModule(functions.NewWeatherService().Module())
		registry.RegisterModule(functions.AccentModule(voice))
		registry.RegisterModule(functions.WorldFactsModule())

		agent := rotarygpt.NewAgent(rotarygpt.AgentConfig{
			STT:         rotarygpt.WhisperTranscriber{Client: openai.NewWhisperClient(cfg.OpenAIKey)},
			LLM:         openai.NewGPTClient(cfg.OpenAIKey, cfg.Model, openai.WithLocation(cfg.Location)),
			TTS:         rotarygpt.PollySynthesizer{Client: polly},
			Registry:    registry,
			Voice:       voice,
			Clips:       clips,
			RTPIP:       cfg.RTPIP(),
			RTPPort:     cfg.RTPPort(),
			CapturePath: cfg.CaptureFile,
		})
		// A call in progress at shutdown goes down the same path as a BYE.
		defer agent.Shutdown()

		srv := sip.NewServer(cfg.SIPAddr, cfg.RTPPort(), agent)
		if err := srv.Listen(); err != nil {
			return err
		}
		log.Info().Str("addr", srv.LocalAddr().String()).Int("rtp_port", cfg.RTPPort()).Msg("Waiting for calls")
		return srv.Serve(ctx)
	}(ctx)

	if err != nil {
		log.Fatal().Err(err).Msg("Agent finished with error")
	}
}
