/*
Package wire implements the two byte grammars a submission session speaks:
line-oriented SMTP commands going in, multi-line SMTP replies going out (and,
on the transport side, coming back from a remote exchanger), plus the
escaped DATA payload format in between.
*/
package wire

import (
	"fmt"
	"strings"
	"unicode"
)

// Verb identifies a recognised SMTP command keyword.
type Verb int

const (
	VerbAbsent Verb = iota
	VerbUnknown
	VerbHELO
	VerbEHLO
	VerbSTARTTLS
	VerbVRFY
	VerbHELP
	VerbMAILFROM
	VerbRCPTTO
	VerbDATA
	VerbQUIT
	VerbRSET
	VerbNOOP
)

// String renders a verb the way it appears on the wire.
func (v Verb) String() string {
	switch v {
	case VerbAbsent:
		return "(no verb)"
	case VerbUnknown:
		return "(unrecognised verb)"
	default:
		for _, cmd := range commandTable {
			if cmd.Verb == v {
				return cmd.Text
			}
		}
		return fmt.Sprintf("(verb %d)", int(v))
	}
}

// Command is a decoded line from an ongoing SMTP conversation.
type Command struct {
	Verb      Verb
	Parameter string
	// ErrorInfo is non-empty when the line could not be parsed; Verb is then VerbUnknown.
	ErrorInfo string
}

type paramKind int

const (
	paramOptional paramKind = iota
	paramMailAddress
)

var commandTable = []struct {
	Verb  Verb
	Text  string
	Param paramKind
}{
	{VerbHELO, "HELO", paramOptional},
	{VerbEHLO, "EHLO", paramOptional},
	{VerbSTARTTLS, "STARTTLS", paramOptional},
	{VerbVRFY, "VRFY", paramOptional},
	{VerbHELP, "HELP", paramOptional},
	{VerbMAILFROM, "MAIL FROM", paramMailAddress},
	{VerbRCPTTO, "RCPT TO", paramMailAddress},
	{VerbDATA, "DATA", paramOptional},
	{VerbQUIT, "QUIT", paramOptional},
	{VerbRSET, "RSET", paramOptional},
	{VerbNOOP, "NOOP", paramOptional},
}

func is7BitASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// ParseCommand decodes a single CRLF-stripped command line.
func ParseCommand(line string) Command {
	ret := Command{Verb: VerbUnknown}
	if !is7BitASCII(line) {
		ret.ErrorInfo = "command contains non 7-bit ASCII byte"
		return ret
	}
	line = strings.TrimRightFunc(line, unicode.IsSpace)
	upper := strings.ToUpper(line)
	idx := -1
	for i := range commandTable {
		if strings.HasPrefix(upper, commandTable[i].Text) {
			idx = i
			break
		}
	}
	if idx == -1 {
		ret.ErrorInfo = "unrecognised verb"
		return ret
	}
	cmd := commandTable[idx]
	lineLen, verbLen := len(line), len(cmd.Text)
	if !(lineLen == verbLen || line[verbLen] == ' ' || line[verbLen] == ':') {
		ret.ErrorInfo = "unrecognised verb"
		return ret
	}
	ret.Verb = cmd.Verb
	switch cmd.Param {
	case paramOptional:
		if lineLen > verbLen+1 {
			ret.Parameter = strings.TrimSpace(line[verbLen+1:])
		}
	case paramMailAddress:
		if lineLen < verbLen+3 {
			ret.ErrorInfo = "missing mail address"
			ret.Verb = VerbUnknown
			return ret
		}
		var addrEnd int
		if line[lineLen-1] == '>' {
			addrEnd = lineLen - 1
		} else {
			addrEnd = strings.IndexByte(line, '>')
			if addrEnd != -1 && addrEnd+1 < lineLen && line[addrEnd+1] != ' ' {
				ret.ErrorInfo = "malformed mail address"
				ret.Verb = VerbUnknown
				return ret
			}
		}
		if verbLen >= lineLen || line[verbLen] != ':' || addrEnd == -1 {
			ret.ErrorInfo = "malformed mail address"
			ret.Verb = VerbUnknown
			return ret
		}
		addrBegin := verbLen + 1
		if addrBegin < lineLen && line[addrBegin] == ' ' {
			addrBegin++
		}
		if addrBegin >= lineLen || line[addrBegin] != '<' {
			ret.ErrorInfo = "address must be enclosed in angle brackets"
			ret.Verb = VerbUnknown
			return ret
		}
		ret.Parameter = line[addrBegin+1 : addrEnd]
	}
	return ret
}

// Serialize renders a Command back into its wire form (without the trailing CRLF), used by the
// wire round-trip tests.
func (c Command) Serialize() string {
	var verbText string
	for _, cmd := range commandTable {
		if cmd.Verb == c.Verb {
			verbText = cmd.Text
			break
		}
	}
	if verbText == "" {
		return ""
	}
	switch {
	case c.Verb == VerbMAILFROM || c.Verb == VerbRCPTTO:
		return fmt.Sprintf("%s:<%s>", verbText, c.Parameter)
	case c.Parameter != "":
		return fmt.Sprintf("%s %s", verbText, c.Parameter)
	default:
		return verbText
	}
}
