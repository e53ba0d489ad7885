package email

import (
	"regexp"
	"strings"

	"github.com/chittyos/chittyrouter/internal/model"
)

// spamRule is one weighted heuristic. Scores accumulate and clamp to [0,100].
type spamRule struct {
	pattern *regexp.Regexp
	weight  int
}

var spamRules = []spamRule{
	{regexp.MustCompile(`(?i)\bviagra\b|\bcialis\b`), 60},
	{regexp.MustCompile(`(?i)you (have )?won\b|\blottery\b|\bprize\b`), 40},
	{regexp.MustCompile(`(?i)\bwire transfer\b|\bwestern union\b`), 30},
	{regexp.MustCompile(`(?i)\bact now\b|\blimited time\b|\burgent(ly)? respon(d|se)\b`), 20},
	{regexp.MustCompile(`(?i)\bclick here\b`), 15},
	{regexp.MustCompile(`(?i)\bfree money\b|\bno cost\b|\brisk[- ]free\b`), 25},
	{regexp.MustCompile(`(?i)\bcrypto(currency)? (investment|opportunity)\b`), 35},
	{regexp.MustCompile(`(?i)\bnigerian? prince\b|\binheritance fund\b`), 70},
	{regexp.MustCompile(`\${2,}|!{3,}`), 10},
}

// allCapsSubject matches subjects that are mostly shouting.
var letterRe = regexp.MustCompile(`[A-Za-z]`)

// SpamScore computes the quick-heuristic score in [0,100] for a message.
// This is a cheap pre-filter, not a spam verdict: it exists to shed obvious
// junk before the AI classification step spends money.
func SpamScore(msg model.EmailMessage) int {
	text := msg.Subject + "\n" + msg.BodyText
	score := 0
	for _, rule := range spamRules {
		if rule.pattern.MatchString(text) {
			score += rule.weight
		}
	}

	if subj := strings.TrimSpace(msg.Subject); len(subj) >= 8 {
		letters := letterRe.FindAllString(subj, -1)
		upper := 0
		for _, l := range letters {
			if l == strings.ToUpper(l) {
				upper++
			}
		}
		if len(letters) > 0 && float64(upper)/float64(len(letters)) > 0.8 {
			score += 15
		}
	}

	if msg.Headers["Reply-To"] != "" && !strings.EqualFold(msg.Headers["Reply-To"], msg.From) {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	return score
}

// Whitelist holds the configured sender allow-list. Whitelisted senders skip
// the spam heuristic entirely.
type Whitelist struct {
	addresses map[string]bool
	domains   map[string]bool
}

// NewWhitelist builds a whitelist from address and domain lists.
// Entries are matched case-insensitively.
func NewWhitelist(addresses, domains []string) *Whitelist {
	w := &Whitelist{
		addresses: make(map[string]bool, len(addresses)),
		domains:   make(map[string]bool, len(domains)),
	}
	for _, a := range addresses {
		w.addresses[strings.ToLower(strings.TrimSpace(a))] = true
	}
	for _, d := range domains {
		w.domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return w
}

// Contains reports whether the sender address or its domain is whitelisted.
func (w *Whitelist) Contains(sender string) bool {
	addr := strings.ToLower(strings.TrimSpace(sender))
	if w.addresses[addr] {
		return true
	}
	return w.domains[SenderDomain(addr)]
}

// SenderDomain extracts the domain part of an address, lowercased.
func SenderDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
