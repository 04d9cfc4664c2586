// Package command resolves chat texts into hand-off commands.
package command

import (
	"regexp"
	"strings"

	"github.com/suPer8Hu/handoff/internal/handoff"
)

const (
	PhraseRequest = "转人工"
	PhraseCancel  = "转人机"
	PhraseAccept  = "接入对话"
	PhraseClose   = "结束对话"
)

var phrases = map[string]handoff.Command{
	PhraseRequest: handoff.CommandRequest,
	PhraseCancel:  handoff.CommandCancel,
	PhraseAccept:  handoff.CommandAccept,
	PhraseClose:   handoff.CommandClose,
}

// quotedID matches the "(12345)" a request broadcast carries after the user's name.
var quotedID = regexp.MustCompile(`\((\d+)\)`)

type Parsed struct {
	Command handoff.Command
	// user selected by an operator, from the argument or the quoted message
	Target string
}

// Parse resolves text to a command. ok is false for ordinary chat text.
// quoted is the message the text replies to, if any; an id found there takes
// precedence over an inline argument.
func Parse(text, quoted string) (p Parsed, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Parsed{}, false
	}
	cmd, ok := phrases[strings.TrimPrefix(fields[0], "/")]
	if !ok {
		return Parsed{}, false
	}
	p.Command = cmd
	if cmd != handoff.CommandAccept && cmd != handoff.CommandClose {
		return p, true
	}
	if len(fields) > 1 {
		p.Target = fields[1]
	}
	if m := quotedID.FindStringSubmatch(quoted); m != nil {
		p.Target = m[1]
	}
	return p, true
}

// IsCommand reports whether text is one of the command phrases. Chat messages
// that are commands are never forwarded to the peer.
func IsCommand(text string) bool {
	_, ok := Parse(text, "")
	return ok
}
