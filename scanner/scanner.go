/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scanner classifies scalar string values as PII kinds. The scanner
// is purely functional and thread-safe: it holds only compiled regexps and
// may be shared between connections.
package scanner

import (
	"regexp"
	"strconv"
	"time"
)

// PiiKind is a class of personally identifiable information recognized by the scanner.
type PiiKind int

// Recognized PII kinds. PiiNone means the value matched nothing.
const (
	PiiNone PiiKind = iota
	PiiEmail
	PiiCreditCard
	PiiSSN
	PiiPhone
	PiiIPAddress
	PiiDateOfBirth
	PiiPassport
)

// String returns the masking strategy token that corresponds to the kind.
func (kind PiiKind) String() string {
	switch kind {
	case PiiEmail:
		return "email"
	case PiiCreditCard:
		return "credit_card"
	case PiiSSN:
		return "ssn"
	case PiiPhone:
		return "phone"
	case PiiIPAddress:
		return "ip"
	case PiiDateOfBirth:
		return "dob"
	case PiiPassport:
		return "passport"
	}
	return "none"
}

var (
	emailPattern      = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	creditCardPattern = regexp.MustCompile(`^\d[\d\- ]{11,21}\d$`)
	ssnPattern        = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	phonePattern      = regexp.MustCompile(`^\+?\d{1,3}[\- .]?\(?\d{1,4}\)?[\- .]?\d{3,4}[\- .]?\d{3,4}$`)
	ipPattern         = regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	dobISOPattern     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	dobUSPattern      = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
	dobEUPattern      = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{4})$`)
	passportPattern   = regexp.MustCompile(`^(?:[A-Z][0-9]{6,8}|[A-Z]{2}\d{6,7})$`)
)

// PiiScanner classifies text values by a fixed set of anchored patterns.
type PiiScanner struct{}

// NewPiiScanner returns scanner ready for classification.
func NewPiiScanner() *PiiScanner {
	return &PiiScanner{}
}

// Scan classifies value and returns its PII kind or PiiNone. Patterns are
// checked from most to least specific so that credit cards are not reported
// as phone numbers and dates are not reported as phones.
func (scanner *PiiScanner) Scan(value string) PiiKind {
	if len(value) == 0 {
		return PiiNone
	}
	if emailPattern.MatchString(value) {
		return PiiEmail
	}
	if isCreditCard(value) {
		return PiiCreditCard
	}
	if ssnPattern.MatchString(value) {
		return PiiSSN
	}
	if ipPattern.MatchString(value) {
		return PiiIPAddress
	}
	if isDateOfBirth(value) {
		return PiiDateOfBirth
	}
	if phonePattern.MatchString(value) {
		return PiiPhone
	}
	if passportPattern.MatchString(value) {
		return PiiPassport
	}
	return PiiNone
}

// isCreditCard reports whether value is 13-19 digits optionally grouped by
// dashes or spaces. Explicitly grouped values match by shape alone; a bare
// digit run must additionally pass the Luhn check, otherwise ordinary numeric
// identifiers would be reported as card numbers.
func isCreditCard(value string) bool {
	if !creditCardPattern.MatchString(value) {
		return false
	}
	grouped := false
	digits := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		switch c := value[i]; {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == '-' || c == ' ':
			grouped = true
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return grouped || Luhn(digits)
}

// Luhn reports whether a string of ASCII digits passes the Luhn checksum.
func Luhn(digits []byte) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func isDateOfBirth(value string) bool {
	var year string
	if m := dobISOPattern.FindStringSubmatch(value); m != nil {
		year = m[1]
	} else if m := dobUSPattern.FindStringSubmatch(value); m != nil {
		year = m[3]
	} else if m := dobEUPattern.FindStringSubmatch(value); m != nil {
		year = m[3]
	} else {
		return false
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return false
	}
	return y >= 1900 && y <= time.Now().Year()
}
