// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package config loads the agent settings from command line flags and
// environment variables. Precedence: CLI flags > env vars > defaults.
// API credentials are read from the environment only.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	defaultSIPAddr     = "0.0.0.0:5060"
	defaultRTPAddr     = "0.0.0.0:5004"
	defaultAudioDir    = "audio"
	defaultCaptureFile = "/tmp/conversation.wav"
	defaultModel       = "gpt-3.5-turbo-0613"
	defaultPollyRegion = "eu-west-1"
	defaultPollyVoice  = "Daniel"
	defaultLocation    = "Barcelona, Spain"
)

// Config holds every runtime setting of the agent.
type Config struct {
	// SIPAddr is the UDP address the SIP server listens on.
	SIPAddr string
	// RTPAddr is the UDP address the shared media socket binds to. Its
	// port is the one advertised in SDP answers.
	RTPAddr string
	// AudioDir holds the canned clips played outside of synthesis.
	AudioDir string
	// CaptureFile records the agent's outbound speech as WAV. Empty
	// disables it.
	CaptureFile string
	// Model is the chat completion model name.
	Model string
	// PollyRegion is the AWS region used for speech synthesis.
	PollyRegion string
	// PollyVoice is the voice every call starts with.
	PollyVoice string
	// Location is reported to the model as the agent's physical location.
	Location string

	// Credentials come from the environment only so they never show up
	// in process listings.
	OpenAIKey    string
	AWSAccessKey string
	AWSSecretKey string

	rtpIP   net.IP
	rtpPort int
}

// Load parses os.Args and the environment into a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("rotarygpt", flag.ContinueOnError)
	fs.StringVar(&cfg.SIPAddr, "sip-addr", defaultSIPAddr, "UDP listen address for SIP")
	fs.StringVar(&cfg.RTPAddr, "rtp-addr", defaultRTPAddr, "UDP listen address for RTP media")
	fs.StringVar(&cfg.AudioDir, "audio-dir", defaultAudioDir, "directory holding the canned audio clips")
	fs.StringVar(&cfg.CaptureFile, "capture-file", defaultCaptureFile, "WAV file recording outbound speech, empty to disable")
	fs.StringVar(&cfg.Model, "model", defaultModel, "chat completion model")
	fs.StringVar(&cfg.PollyRegion, "polly-region", defaultPollyRegion, "AWS region for speech synthesis")
	fs.StringVar(&cfg.PollyVoice, "polly-voice", defaultPollyVoice, "voice new calls start with")
	fs.StringVar(&cfg.Location, "location", defaultLocation, "physical location reported to the model")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	applyEnvOverrides(fs, cfg)

	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AWSAccessKey = os.Getenv("AWS_ACCESS_KEY")
	cfg.AWSSecretKey = os.Getenv("AWS_SECRET_KEY")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name. The location one keeps its
	// historical name.
	envMap := map[string]string{
		"sip-addr":     "ROTARYGPT_SIP_ADDR",
		"rtp-addr":     "ROTARYGPT_RTP_ADDR",
		"audio-dir":    "ROTARYGPT_AUDIO_DIR",
		"capture-file": "ROTARYGPT_CAPTURE_FILE",
		"model":        "ROTARYGPT_MODEL",
		"polly-region": "ROTARYGPT_POLLY_REGION",
		"polly-voice":  "ROTARYGPT_POLLY_VOICE",
		"location":     "ROTARYGPT_PHYSICAL_LOCATION",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-addr":
			cfg.SIPAddr = val
		case "rtp-addr":
			cfg.RTPAddr = val
		case "audio-dir":
			cfg.AudioDir = val
		case "capture-file":
			cfg.CaptureFile = val
		case "model":
			cfg.Model = val
		case "polly-region":
			cfg.PollyRegion = val
		case "polly-voice":
			cfg.PollyVoice = val
		case "location":
			cfg.Location = val
		}
	}
}

// validate checks that the config values are sane and caches the parsed
// RTP address.
func (c *Config) validate() error {
	if _, _, err := parseUDPAddr("sip-addr", c.SIPAddr); err != nil {
		return err
	}
	ip, port, err := parseUDPAddr("rtp-addr", c.RTPAddr)
	if err != nil {
		return err
	}
	if ip == nil {
		ip = net.IPv4zero
	}
	c.rtpIP, c.rtpPort = ip, port

	if c.Model == "" {
		return errors.New("model must not be empty")
	}
	if c.PollyRegion == "" {
		return errors.New("polly-region must not be empty")
	}
	if c.OpenAIKey == "" {
		return errors.New("OPENAI_API_KEY must be set")
	}
	if c.AWSAccessKey == "" {
		return errors.New("AWS_ACCESS_KEY must be set")
	}
	if c.AWSSecretKey == "" {
		return errors.New("AWS_SECRET_KEY must be set")
	}
	return nil
}

// RTPIP returns the bind IP of the media socket.
func (c *Config) RTPIP() net.IP { return c.rtpIP }

// RTPPort returns the media port advertised in SDP answers.
func (c *Config) RTPPort() int { return c.rtpPort }

func parseUDPAddr(name, addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, 0, fmt.Errorf("%s: port must be between 1 and 65535, got %q", name, portStr)
	}
	var ip net.IP
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return nil, 0, fmt.Errorf("%s: invalid IP %q", name, host)
		}
	}
	return ip, port, nil
}
