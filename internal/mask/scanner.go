package mask

import "regexp"

// Kind is a PII classification produced by the scanner.
type Kind int

const (
	KindEmail Kind = iota
	KindCreditCard
	KindSsn
	KindIPAddress
	KindDateOfBirth
	KindPhone
	KindPassport
)

// Strategy returns the masking strategy name for a classification.
func (k Kind) Strategy() string {
	switch k {
	case KindEmail:
		return "email"
	case KindCreditCard:
		return "credit_card"
	case KindSsn:
		return "ssn"
	case KindIPAddress:
		return "ip"
	case KindDateOfBirth:
		return "dob"
	case KindPhone:
		return "phone"
	case KindPassport:
		return "passport"
	}
	return ""
}

// Scanner classifies string values against a closed set of anchored PII
// patterns.
type Scanner struct {
	email    *regexp.Regexp
	cc       *regexp.Regexp
	ssn      *regexp.Regexp
	ip       *regexp.Regexp
	dob      *regexp.Regexp
	phone    *regexp.Regexp
	passport *regexp.Regexp
}

// NewScanner compiles the pattern set.
func NewScanner() *Scanner {
	return &Scanner{
		email: regexp.MustCompile(`(?i)^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`),
		// 16 digits as four groups of four with optional single dash/space separators
		cc:  regexp.MustCompile(`^(?:\d{4}[-\s]?){3}\d{4}$`),
		ssn: regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`),
		// Dotted quad, each octet 0-255
		ip: regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`),
		// YYYY-MM-DD, MM/DD/YYYY, DD/MM/YYYY, DD-MM-YYYY
		dob: regexp.MustCompile(`^(?:\d{4}[-/]\d{2}[-/]\d{2}|\d{2}[-/]\d{2}[-/]\d{4})$`),
		// Optional country code, then three groups, parenthesised area code allowed
		phone:    regexp.MustCompile(`^(?:\+\d{1,3}[-.\s])?\(?(\d{3})\)?[-.\s]?\d{3}[-.\s]?\d{4}$`),
		passport: regexp.MustCompile(`^[A-Z]{1,2}\d{6,8}$`),
	}
}

// Scan classifies text, returning (kind, true) on a match. The evaluation
// order is a contract: email, credit card, SSN, IP, date of birth, phone,
// passport. Dates must be checked before phone numbers and SSNs before
// partial phone forms; reordering changes behaviour on ambiguous strings.
func (s *Scanner) Scan(text string) (Kind, bool) {
	if s.email.MatchString(text) {
		return KindEmail, true
	}
	if s.cc.MatchString(text) {
		return KindCreditCard, true
	}
	if s.ssn.MatchString(text) {
		return KindSsn, true
	}
	if s.ip.MatchString(text) {
		return KindIPAddress, true
	}
	if s.dob.MatchString(text) {
		return KindDateOfBirth, true
	}
	if s.phone.MatchString(text) {
		return KindPhone, true
	}
	if s.passport.MatchString(text) {
		return KindPassport, true
	}
	return 0, false
}
