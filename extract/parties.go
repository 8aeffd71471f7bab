package extract

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AnTengye/contractbill/model"
	"github.com/araddon/dateparse"
)

const maxPartyName = 100

// Parties returns at most one vendor and one client. The first pattern that
// matches wins for each role.
func (l *Library) Parties(text string) []model.Party {
	var parties []model.Party
	if name, ok := firstGroup(l.vendor, text); ok {
		parties = append(parties, newParty("vendor", name))
	}
	if name, ok := firstGroup(l.client, text); ok {
		parties = append(parties, newParty("client", name))
	}
	for i := range parties {
		parties[i].Identifier = l.Identifier(parties[i].Name)
	}
	return parties
}

func newParty(role, name string) model.Party {
	return model.Party{Role: role, Name: truncateRunes(strings.TrimSpace(name), maxPartyName)}
}

// Identifier builds "<initials>-<hash>" from the first four capitalized words
// of name and the first three hex digits of its md5.
func (l *Library) Identifier(name string) string {
	var prefix strings.Builder
	for i, w := range l.initials.FindAllString(name, -1) {
		if i == 4 {
			break
		}
		prefix.WriteByte(w[0])
	}
	sum := md5.Sum([]byte(name))
	suffix := strings.ToUpper(hex.EncodeToString(sum[:])[:3])
	return strings.ToUpper(prefix.String()) + "-" + suffix
}

// Currency returns the code with the most hits. A tie at the top or no hits
// at all yields USD.
func (l *Library) Currency(text string) string {
	best, bestCount, tie := "USD", 0, false
	for _, c := range l.currencies {
		n := 0
		for _, re := range c.res {
			n += len(re.FindAllStringIndex(text, -1))
		}
		switch {
		case n > bestCount:
			best, bestCount, tie = c.code, n, false
		case n == bestCount && n > 0:
			tie = true
		}
	}
	if bestCount == 0 || tie {
		return "USD"
	}
	return best
}

// EffectiveDate returns the first parsable effective date, or nil.
func (l *Library) EffectiveDate(text string) *time.Time {
	return firstDate(l.effective, text)
}

// ExpirationDate returns the first parsable expiration date, or nil.
func (l *Library) ExpirationDate(text string) *time.Time {
	return firstDate(l.expiration, text)
}

// PaymentTermsDays returns the first stated day count, defaulting to 30 when
// none is stated or the stated value is not positive.
func (l *Library) PaymentTermsDays(text string) int {
	for _, re := range l.termsDays {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		days, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if days <= 0 {
			return model.DefaultPaymentTermsDays
		}
		return days
	}
	return model.DefaultPaymentTermsDays
}

func firstDate(patterns []*regexp.Regexp, text string) *time.Time {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if t, err := ParseDate(m[1]); err == nil {
			return &t
		}
	}
	return nil
}

// ParseDate reads month-first numeric dates such as 1/15/2024 or 01-15-24.
func ParseDate(s string) (time.Time, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "/")
	return dateparse.ParseIn(s, time.UTC)
}

func firstGroup(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}
