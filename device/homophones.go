package device

import (
	"regexp"
	"strings"

	"github.com/mykhaliev/device-validator/model"
)

type homophone struct {
	word     string
	patterns []*regexp.Regexp
}

// AddHomophones registers words the speech recognizer tends to produce in
// place of word. Underscores in word stand for spaces so keys can come from
// environment variables.
func (c *Client) AddHomophones(word string, homophones []string) {
	h := homophone{word: strings.ReplaceAll(word, "_", " ")}
	for _, s := range homophones {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		h.patterns = append(h.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(s)+`\b`))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.homophones {
		if c.homophones[i].word == h.word {
			c.homophones[i] = h
			return
		}
	}
	c.homophones = append(c.homophones, h)
}

// applyHomophones rewrites the transcript in place. The text received from the
// device is kept in debug.rawTranscript.
func (c *Client) applyHomophones(result *model.ActualResult) {
	if result.Transcript == nil {
		return
	}
	raw := *result.Transcript
	result.Debug.RawTranscript = raw

	c.mu.RLock()
	defer c.mu.RUnlock()
	transcript := raw
	for _, h := range c.homophones {
		for _, p := range h.patterns {
			transcript = p.ReplaceAllLiteralString(transcript, h.word)
		}
	}
	result.Transcript = &transcript
}
