package section

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Derive computes the status of one section. It never fails: content that is
// missing or malformed satisfies no predicate.
func Derive(rule Rule, content Content) Status {
	switch rule.Kind {
	case KindText:
		return deriveText(rule.MinLength, content.Text)
	case KindStructured:
		return deriveStructured(rule.SubAnswers, content.Answers)
	case KindAcknowledgment:
		if content.Acknowledged {
			return Completed
		}
		return NotStarted
	case KindNumeric:
		return deriveNumeric(rule, content)
	default:
		return NotStarted
	}
}

func deriveText(minLength int, text string) Status {
	n := NormalizedLength(text)
	switch {
	case n == 0:
		return NotStarted
	case n >= minLength:
		return Completed
	default:
		return InProgress
	}
}

func deriveStructured(subs []SubAnswer, answers map[string]string) Status {
	if len(subs) == 0 {
		return NotStarted
	}
	satisfied := 0
	for _, sa := range subs {
		if answerSatisfies(sa.MinLength, answers[sa.ID]) {
			satisfied++
		}
	}
	switch {
	case satisfied == len(subs):
		return Completed
	case satisfied > 0:
		return InProgress
	default:
		return NotStarted
	}
}

func answerSatisfies(minLength int, answer string) bool {
	n := NormalizedLength(answer)
	return n > 0 && n >= minLength
}

func deriveNumeric(rule Rule, content Content) Status {
	predicates, satisfied, populated := 0, 0, false

	for _, name := range rule.RequiredFields {
		predicates++
		if v, ok := content.Fields[name]; ok && v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			satisfied++
			populated = true
		}
	}
	if rule.MinMeasurements > 0 {
		predicates++
		distinct := distinctTimes(content)
		if distinct >= rule.MinMeasurements {
			satisfied++
		}
		if distinct > 0 {
			populated = true
		}
	}

	switch {
	case predicates == 0:
		return NotStarted
	case satisfied == predicates:
		return Completed
	case populated:
		return InProgress
	default:
		return NotStarted
	}
}

func distinctTimes(content Content) int {
	seen := make(map[float64]struct{}, len(content.Measurements))
	for _, m := range content.Measurements {
		if m.IsValid() {
			seen[m.Time] = struct{}{}
		}
	}
	return len(seen)
}

// DeriveAll derives every rule's status. Sections without content are
// derived from empty content.
func DeriveAll(rules []Rule, contents map[Key]Content) map[Key]Status {
	out := make(map[Key]Status, len(rules))
	for _, r := range rules {
		out[r.Key] = Derive(r, contents[r.Key])
	}
	return out
}

// CountCompleted counts completed statuses.
func CountCompleted(statuses map[Key]Status) int {
	n := 0
	for _, s := range statuses {
		if s == Completed {
			n++
		}
	}
	return n
}

// blockTags separate words when markup is stripped.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "th": true, "blockquote": true, "pre": true, "hr": true,
}

// NormalizedLength counts the characters a reader sees: markup stripped,
// entities decoded, NFC-normalized, surrounding whitespace trimmed and inner
// runs of whitespace collapsed to one space.
func NormalizedLength(s string) int {
	if s == "" {
		return 0
	}
	if strings.ContainsAny(s, "<&") {
		s = stripMarkup(s)
	}
	s = norm.NFC.String(s)
	return utf8.RuneCountInString(strings.Join(strings.Fields(s), " "))
}

func stripMarkup(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				switch {
				case tt == html.StartTagToken:
					skip++
				case tt == html.EndTagToken && skip > 0:
					skip--
				}
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		}
	}
}
