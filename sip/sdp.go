// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sip

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	audioPortRegex = regexp.MustCompile(`audio (\d+) RTP`)
	sipHostRegex   = regexp.MustCompile(`sip:(?:[^@\s<>;]+@)?([a-zA-Z0-9.-]+)`)
)

// ExtractAudioPort pulls the peer RTP port out of an SDP offer. Only the
// first audio media line counts.
func ExtractAudioPort(body []byte) (int, bool) {
	m := audioPortRegex.FindSubmatch(body)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(string(m[1]))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// ExtractHost returns the host part of a SIP URI inside a header value,
// display names and angle brackets included.
func ExtractHost(header string) (string, bool) {
	m := sipHostRegex.FindStringSubmatch(strings.Trim(header, "<> "))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AnswerSDP builds the session answer. One PCMU stream, 20ms packets, both
// directions. The connection address mirrors the host the caller dialed.
func AnswerSDP(host string, rtpPort int) []byte {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=RotaryGPT 1 1 IN IP4 %s", host),
		"s=SIP Call",
		fmt.Sprintf("c=IN IP4 %s", host),
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0", rtpPort),
		"a=sendrecv",
		"a=rtpmap:0 PCMU/8000",
		"a=ptime:20",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}
