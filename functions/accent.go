// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package functions

import (
	"strings"

	"github.com/rotarygpt/rotarygpt/aws"
)

// accentVoices pairs nationalities with the neural Polly voice carrying
// that accent. Order matters, it is what the model gets quoted at.
var accentVoices = []struct {
	Accent string
	Voice  string
}{
	{"Australian", "Olivia"},
	{"British", "Brian"},
	{"Indian", "Kajal"},
	{"Irish", "Niamh"},
	{"New Zealander", "Aria"},
	{"South African", "Ayanda"},
	{"American", "Stephen"},
	{"Finnish", "Suvi"},
	{"French", "Remi"},
	{"German", "Daniel"},
	{"Italian", "Adriano"},
	{"Japanese", "Takumi"},
	{"Polish", "Ola"},
	{"Spanish", "Sergio"},
	{"Swedish", "Elin"},
}

func voiceForAccent(accent string) (string, bool) {
	for _, pair := range accentVoices {
		if pair.Accent == accent {
			return pair.Voice, true
		}
	}
	return "", false
}

func accentNames() string {
	names := make([]string, len(accentVoices))
	for i, pair := range accentVoices {
		names[i] = pair.Accent
	}
	return strings.Join(names, ", ")
}

// AccentModule exposes the accent switcher writing into voice. The change
// takes effect on the next synthesis request.
func AccentModule(voice *aws.VoiceSetting) Module {
	return Module{
		Name: "accent",
		Functions: []Definition{{
			Name:        "change_accent",
			Description: "Changes the agent's accent.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"accent": {Type: "string", Description: "The accent to change to. Needs to be one of " + accentNames()},
				},
				Required: []string{"accent"},
			},
			Handler: func(args map[string]any) (string, error) {
				accent, ok := stringArg(args, "accent")
				if !ok {
					return "Accent parameter is required", nil
				}
				pollyVoice, ok := voiceForAccent(accent)
				if !ok {
					return "Accent needs to be one of " + accentNames(), nil
				}
				voice.Set(pollyVoice)
				return "The phone agent's accent is now " + accent + ". The phone agent's nationality is also " +
					accent + ". Please keep using English language.", nil
			},
		}},
	}
}
