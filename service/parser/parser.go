package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the mobile-money operator that produced a notification.
type Provider string

const (
	ProviderMTN        Provider = "MTN"
	ProviderVodafone   Provider = "VODAFONE"
	ProviderAirtelTigo Provider = "AIRTELTIGO"
	ProviderMPesa      Provider = "MPESA"
)

// Type is the direction of a parsed transaction.
type Type string

const (
	TypeReceived Type = "RECEIVED"
	TypeSent     Type = "SENT"
	TypePayment  Type = "PAYMENT"
)

// Transaction is the structured record extracted from a provider notification.
// Amounts are carried in the currency's smallest unit; the original text is
// retained for audit.
type Transaction struct {
	Provider     Provider
	Type         Type
	AmountMinor  int64
	CurrencyCode string
	Counterparty string
	ProviderTxID *string // nil when the message carries no reference
	BalanceMinor *int64  // nil when no balance marker is present
	RawMessage   string
	ObservedAt   int64 // epoch millis
}

// template is one body phrasing for a provider and transaction type.
// Templates are tried in order; the first structural match wins.
type template struct {
	txType Type
	re     *regexp.Regexp
}

// signature describes how to recognize one provider: sender-label keywords
// plus the ordered body templates for its message wording.
type signature struct {
	provider       Provider
	currency       string
	senderKeywords []string
	templates      []template
}

// amountGroup builds the "currency marker followed by a decimal numeral"
// capture for the given marker spellings. Group 1 is the numeral.
func amountGroup(markers ...string) string {
	return `(?:` + strings.Join(markers, `|`) + `)\s*([\d,]+(?:\.\d+)?)`
}

var (
	ghsAmount = amountGroup(`GHS`, `GHC`)
	kesAmount = amountGroup(`Ksh\.?`, `KES`)
)

// signatures is the fixed provider table, in priority order. Matching stops
// at the first provider whose sender keywords and a body template both match.
var signatures = []signature{
	{
		provider:       ProviderMTN,
		currency:       "GHS",
		senderKeywords: []string{"mtn", "momo", "mobilemoney"},
		templates: []template{
			{TypeReceived, regexp.MustCompile(`(?i)(?:payment\s+)?received\s+` + ghsAmount + `\s+from\s+`)},
			{TypeSent, regexp.MustCompile(`(?i)(?:sent|transferred)\s+` + ghsAmount + `\s+to\s+`)},
			{TypePayment, regexp.MustCompile(`(?i)(?:payment\s+(?:of|made)\s+` + ghsAmount + `|paid\s+` + ghsAmount + `\s+to\s+)`)},
		},
	},
	{
		provider:       ProviderVodafone,
		currency:       "GHS",
		senderKeywords: []string{"vodafone", "vodacash", "telecash"},
		templates: []template{
			{TypeReceived, regexp.MustCompile(`(?i)(?:you have\s+)?received\s+` + ghsAmount + `\s+from\s+`)},
			{TypeSent, regexp.MustCompile(`(?i)(?:you have\s+)?(?:sent|transferred)\s+` + ghsAmount + `\s+to\s+`)},
			{TypePayment, regexp.MustCompile(`(?i)payment\s+of\s+` + ghsAmount + `\s+(?:to|made)\s+`)},
		},
	},
	{
		provider:       ProviderAirtelTigo,
		currency:       "GHS",
		senderKeywords: []string{"airteltigo", "atmoney", "airtel", "tigo"},
		templates: []template{
			{TypeReceived, regexp.MustCompile(`(?i)(?:cash\s+in|received)\s+` + ghsAmount + `\s+from\s+`)},
			{TypeSent, regexp.MustCompile(`(?i)(?:cash\s+out|sent)\s+` + ghsAmount + `\s+to\s+`)},
			{TypePayment, regexp.MustCompile(`(?i)paid\s+` + ghsAmount + `\s+to\s+`)},
		},
	},
	{
		provider:       ProviderMPesa,
		currency:       "KES",
		senderKeywords: []string{"mpesa", "m-pesa", "safaricom"},
		templates: []template{
			{TypeReceived, regexp.MustCompile(`(?i)(?:confirmed\.?\s*)?you have received\s+` + kesAmount + `\s+from\s+`)},
			{TypeSent, regexp.MustCompile(`(?i)(?:confirmed\.?\s*)?` + kesAmount + `\s+sent\s+to\s+`)},
			{TypePayment, regexp.MustCompile(`(?i)(?:confirmed\.?\s*)?` + kesAmount + `\s+paid\s+to\s+`)},
		},
	},
}

var (
	txIDRe = regexp.MustCompile(`(?i)\b(?:trans(?:action)?\s+id|ref(?:erence)?(?:\s+no)?)\s*[:.]?\s*([A-Za-z0-9]+)`)

	balanceRe = regexp.MustCompile(`(?i)\b(?:balance\s+is|bal)\s*[:.]?\s*(?:GHS|GHC|Ksh\.?|KES)?\s*([\d,]+(?:\.\d+)?)`)

	counterpartyRe = regexp.MustCompile(`(?i)\b(?:from|to)\s+(.+)`)

	// Tokens that terminate a counterparty phrase.
	counterpartyCutRe = regexp.MustCompile(`(?i)\s*(?:\.|,|\bon\s+\d|\btrans(?:action)?\s+id\b|\bref(?:erence)?\b|\bnew\b|\bbalance\b).*$`)
)

// zeroDecimalCurrencies are currencies whose smallest unit is the major unit.
var zeroDecimalCurrencies = map[string]bool{
	"UGX": true,
	"RWF": true,
	"XOF": true,
	"XAF": true,
}

// CurrencyExponent returns the number of fractional digits used when
// converting a display amount to minor units.
func CurrencyExponent(code string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(code)] {
		return 0
	}
	return 2
}

// Parse extracts a structured transaction from a notification. It returns
// (nil, false) when no provider signature and body template match, or when a
// matched template's amount cannot be converted. That outcome is expected for
// irrelevant messages and is not an error.
func Parse(senderLabel, body string) (*Transaction, bool) {
	sender := strings.ToLower(senderLabel)

	for _, sig := range signatures {
		if !senderMatches(sender, sig.senderKeywords) {
			continue
		}
		for _, tpl := range sig.templates {
			m := tpl.re.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			amountStr := firstGroup(m)
			amount, ok := ToMinorUnits(amountStr, CurrencyExponent(sig.currency))
			if !ok {
				// The body pattern matched structurally, so this message
				// belongs to this provider; a bad amount means no record,
				// not a fall-through to another provider.
				return nil, false
			}

			txn := &Transaction{
				Provider:     sig.provider,
				Type:         tpl.txType,
				AmountMinor:  amount,
				CurrencyCode: sig.currency,
				Counterparty: extractCounterparty(body),
				ProviderTxID: extractTxID(body),
				BalanceMinor: extractBalance(body, sig.currency),
				RawMessage:   body,
				ObservedAt:   time.Now().UnixMilli(),
			}
			return txn, true
		}
	}
	return nil, false
}

func senderMatches(sender string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(sender, kw) {
			return true
		}
	}
	return false
}

// firstGroup returns the first non-empty capture group of a match. Payment
// templates carry the amount group in one of two alternatives.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// ToMinorUnits converts a display numeral (optionally comma-grouped) to the
// currency's smallest unit using decimal-exact arithmetic with half-up
// rounding. A bare integer is treated as major units with an implicit ".00".
func ToMinorUnits(s string, exponent int32) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	minor := d.Shift(exponent).Round(0)
	return minor.IntPart(), true
}

// FormatMinor renders a minor-unit amount as a display string with the
// currency's fractional digits, e.g. 150000 -> "1500.00" for GHS.
func FormatMinor(amountMinor int64, code string) string {
	exp := CurrencyExponent(code)
	return decimal.New(amountMinor, -exp).StringFixed(exp)
}

func extractCounterparty(body string) string {
	m := counterpartyRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	cp := counterpartyCutRe.ReplaceAllString(m[1], "")
	return strings.Join(strings.Fields(cp), " ")
}

func extractTxID(body string) *string {
	m := txIDRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	id := m[1]
	return &id
}

func extractBalance(body, currency string) *int64 {
	m := balanceRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	minor, ok := ToMinorUnits(m[1], CurrencyExponent(currency))
	if !ok {
		return nil
	}
	return &minor
}
