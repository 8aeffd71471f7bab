package extract

import (
	"regexp"
	"sync"

	"github.com/AnTengye/contractbill/model"
)

// amount matches "1,250.00", "200" and friends.
const amount = `(\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`

// clauseCatalog is the ordered recognizer list per clause type. Order matters:
// it decides discovery order and therefore clause ids.
var clauseCatalog = []struct {
	typ      model.ClauseType
	patterns []string
}{
	{model.ClauseRateCard, []string{
		`\$\s*` + amount + `\s*(?:per|/)\s*(hour|day|week|month)`,
		`rate\s+(?:of|is)\s+\$?\s*` + amount + `\s*(?:per|/)\s*(hour|day)`,
		amount + `\s*(?:USD|dollars?)\s*(?:per|/)\s*(hour|day)`,
	}},
	{model.ClauseMilestonePayment, []string{
		`(?:upon|on)\s+(?:completion|acceptance|delivery)\s+(?:of\s+)?(.+?)\s*[,:]?\s*(?:client\s+)?(?:pays?|payment\s+of)\s+\$?\s*` + amount,
		`deliverable\s+(\w+)\s*[-:]?\s*\$?\s*` + amount,
		`milestone\s+(\d+|[A-Z])\s*[-:]?\s*\$?\s*` + amount,
	}},
	{model.ClauseFixedFee, []string{
		`(?:fixed|flat)\s+fee\s+(?:of\s+)?\$?\s*` + amount,
		`total\s+(?:contract\s+)?(?:value|amount)\s*(?:of|is|:)?\s*\$?\s*` + amount,
	}},
	{model.ClausePaymentTerms, []string{
		`(?:payment|net)\s+(?:terms?\s+)?(?:of\s+)?(\d+)\s*(?:days?|calendar\s+days?)`,
		`due\s+(?:within\s+)?(\d+)\s*(?:days?|calendar\s+days?)`,
		`net\s*(\d+)`,
	}},
	{model.ClausePenalty, []string{
		`(?:late|penalty)\s+(?:fee|charge)\s+(?:of\s+)?(\d+(?:\.\d+)?)\s*%`,
		`interest\s+(?:rate\s+)?(?:of\s+)?(\d+(?:\.\d+)?)\s*%\s*(?:per\s+)?(month|annum|year)`,
	}},
	{model.ClauseDiscount, []string{
		`(?:early\s+payment\s+)?discount\s+(?:of\s+)?(\d+(?:\.\d+)?)\s*%`,
		`(\d+(?:\.\d+)?)\s*%\s+discount`,
	}},
}

const partyName = `([A-Z][A-Za-z\s&,]+(?:LLC|Inc|Corp|Ltd)?)`

var (
	vendorPatterns = []string{
		`(?:vendor|provider|contractor|consultant)[:\s]+` + partyName,
		`(?:by and between|between)\s+` + partyName,
	}
	clientPatterns = []string{
		`(?:client|customer|company)[:\s]+` + partyName,
		`(?:and|with)\s+` + partyName + `\s+(?:\(|,|\.)`,
	}
)

// Currency recognizers. Short codes are word-bounded so "Rp" does not fire
// inside "Corporation".
var currencyCatalog = []struct {
	code     string
	patterns []string
}{
	{"USD", []string{`\$`, `\bUSD\b`, `\bUS\s*dollars?`, `United States Dollars?`}},
	{"EUR", []string{`€`, `\bEUR\b`, `\beuros?\b`}},
	{"GBP", []string{`£`, `\bGBP\b`, `\bpounds?\s*sterling`}},
	{"IDR", []string{`\bRp\b\.?`, `\bIDR\b`, `\brupiah\b`}},
}

const datePart = `(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})`

var (
	effectivePatterns = []string{
		`effective\s+(?:date|as\s+of)[:\s]+` + datePart,
		`commencing\s+(?:on\s+)?` + datePart,
	}
	expirationPatterns = []string{
		`(?:expir|terminat)\w*\s+(?:date|on)[:\s]+` + datePart,
		`valid\s+(?:until|through)[:\s]+` + datePart,
	}
	termsDaysPatterns = []string{
		`(?:payment|net)\s+(?:terms?\s+)?(?:of\s+)?(\d+)\s*(?:days?|calendar)`,
		`net\s*(\d+)`,
		`due\s+(?:within\s+)?(\d+)\s*days?`,
	}
)

type clauseRule struct {
	typ model.ClauseType
	re  *regexp.Regexp
}

type currencyRule struct {
	code string
	res  []*regexp.Regexp
}

// Library holds every compiled recognizer. It is immutable once built and
// safe for concurrent use.
type Library struct {
	clauses    []clauseRule
	vendor     []*regexp.Regexp
	client     []*regexp.Regexp
	currencies []currencyRule
	effective  []*regexp.Regexp
	expiration []*regexp.Regexp
	termsDays  []*regexp.Regexp
	initials   *regexp.Regexp
}

var (
	defaultLibrary *Library
	libraryOnce    sync.Once
)

// DefaultLibrary compiles the built-in catalog on first use and returns the
// shared instance afterwards.
func DefaultLibrary() *Library {
	libraryOnce.Do(func() {
		defaultLibrary = NewLibrary()
	})
	return defaultLibrary
}

// NewLibrary compiles a fresh copy of the built-in catalog.
func NewLibrary() *Library {
	lib := &Library{
		vendor:     compileAll(vendorPatterns),
		client:     compileAll(clientPatterns),
		effective:  compileAll(effectivePatterns),
		expiration: compileAll(expirationPatterns),
		termsDays:  compileAll(termsDaysPatterns),
		initials:   regexp.MustCompile(`\b[A-Z][a-z]*`),
	}
	for _, group := range clauseCatalog {
		for _, p := range group.patterns {
			lib.clauses = append(lib.clauses, clauseRule{typ: group.typ, re: compile(p)})
		}
	}
	for _, c := range currencyCatalog {
		lib.currencies = append(lib.currencies, currencyRule{code: c.code, res: compileAll(c.patterns)})
	}
	return lib
}

// Types returns the clause types the library recognizes, in catalog order.
func (l *Library) Types() []model.ClauseType {
	var types []model.ClauseType
	for _, r := range l.clauses {
		if len(types) == 0 || types[len(types)-1] != r.typ {
			types = append(types, r.typ)
		}
	}
	return types
}

func compile(p string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + p)
}

func compileAll(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, compile(p))
	}
	return res
}
