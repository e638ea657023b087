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

// Package pseudonymization generates deterministic replacement values for
// masked fields. fake(strategy, original) is a pure function: the original
// value is hashed into a 128-bit seed, the seed drives a small PRNG, and the
// PRNG picks tokens of the shape the strategy requires. Equal inputs map to
// equal outputs across goroutines, restarts and hosts.
package pseudonymization

import (
	"fmt"
	mrand "math/rand"

	"github.com/cespare/xxhash/v2"
)

// Strategy tokens understood by the faker. Config validation accepts only
// email, phone, address, credit_card, json and hash in rules; ssn, ip, dob
// and passport come only from scanner classification.
const (
	StrategyEmail      = "email"
	StrategyPhone      = "phone"
	StrategyAddress    = "address"
	StrategyCreditCard = "credit_card"
	StrategyJSON       = "json"
	StrategyHash       = "hash"
	StrategySSN        = "ssn"
	StrategyIP         = "ip"
	StrategyDOB        = "dob"
	StrategyPassport   = "passport"
)

var seedDelimiter = []byte(`ironveil faker seed delimiter`)

// Seed128 hashes strategy and value into a 128-bit seed built from two
// xxhash64 lanes with swapped write order.
func Seed128(strategy string, value []byte) (hi, lo uint64) {
	digest := xxhash.New()
	digest.WriteString(strategy)
	digest.Write(seedDelimiter)
	digest.Write(value)
	hi = digest.Sum64()

	digest.Reset()
	digest.Write(seedDelimiter)
	digest.Write(value)
	digest.WriteString(strategy)
	lo = digest.Sum64()
	return hi, lo
}

var usernames = []string{
	"amber", "bruno", "casey", "dana", "elliot", "felix", "gemma", "harper",
	"iris", "jordan", "kira", "lionel", "morgan", "nina", "oskar", "paula",
	"quinn", "ruth", "sasha", "tobias", "uma", "viktor", "wendy", "yusuf",
}

var domains = []string{
	"example", "mailbox", "postbox", "inbox", "webmail", "fastmail",
	"courier", "letterbox",
}

var genericTLDs = []string{"com", "net", "org", "edu", "info"}

var streets = []string{
	"Maple Street", "Oak Avenue", "Cedar Lane", "Elm Drive", "Pine Road",
	"Birch Boulevard", "Willow Way", "Chestnut Court", "Juniper Alley",
	"Sycamore Place",
}

var cities = []string{
	"Springfield", "Riverton", "Lakeview", "Fairview", "Georgetown",
	"Clinton", "Salem", "Madison", "Ashland", "Burlington",
}

// Fake renders a deterministic replacement for value under the given
// strategy. The result is never empty and keeps the shape consumers expect
// from the strategy: an email still looks like an email, a card number still
// carries sixteen grouped digits.
func Fake(strategy string, value []byte) string {
	hi, lo := Seed128(strategy, value)
	rng := mrand.New(mrand.NewSource(int64(hi ^ lo)))
	switch strategy {
	case StrategyEmail:
		return fakeEmail(rng)
	case StrategyPhone:
		return fakePhone(rng)
	case StrategyAddress:
		return fakeAddress(rng)
	case StrategyCreditCard:
		return fakeCreditCard(rng, value)
	case StrategySSN:
		return fakeSSN(rng)
	case StrategyIP:
		return fakeIP(rng)
	case StrategyDOB:
		return fakeDOB(rng)
	case StrategyPassport:
		return fakePassport(rng)
	default:
		// StrategyHash and any unmapped strategy render the raw seed
		return fmt.Sprintf("%016x%016x", hi, lo)
	}
}

func fakeEmail(rng *mrand.Rand) string {
	user := usernames[rng.Intn(len(usernames))]
	surname := usernames[rng.Intn(len(usernames))]
	domain := domains[rng.Intn(len(domains))]
	tld := genericTLDs[rng.Intn(len(genericTLDs))]
	return fmt.Sprintf("%s.%s@%s.%s", user, surname, domain, tld)
}

func fakePhone(rng *mrand.Rand) string {
	return fmt.Sprintf("%03d-%03d-%04d", 200+rng.Intn(800), 200+rng.Intn(800), rng.Intn(10000))
}

func fakeAddress(rng *mrand.Rand) string {
	return fmt.Sprintf("%d %s %s", 1+rng.Intn(999), streets[rng.Intn(len(streets))], cities[rng.Intn(len(cities))])
}

// fakeCreditCard keeps the last four digits of the original when it carries
// at least four digits, fills the rest from the PRNG and fixes one digit so
// that the whole sixteen-digit number passes the Luhn check.
func fakeCreditCard(rng *mrand.Rand, original []byte) string {
	var digits [16]byte
	for i := 0; i < 12; i++ {
		digits[i] = byte('0' + rng.Intn(10))
	}
	lastFour := trailingDigits(original, 4)
	if len(lastFour) < 4 {
		for i := 12; i < 16; i++ {
			digits[i] = byte('0' + rng.Intn(10))
		}
	} else {
		copy(digits[12:], lastFour)
	}
	digits[11] = luhnFixDigit(digits)
	return fmt.Sprintf("%s-%s-%s-%s", digits[0:4], digits[4:8], digits[8:12], digits[12:16])
}

// trailingDigits extracts the last n ASCII digits of value in order.
func trailingDigits(value []byte, n int) []byte {
	out := make([]byte, 0, n)
	for i := len(value) - 1; i >= 0 && len(out) < n; i-- {
		if value[i] >= '0' && value[i] <= '9' {
			out = append(out, value[i])
		}
	}
	// collected right to left
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// luhnFixDigit returns the value for digits[11] that makes the whole number
// pass the Luhn checksum. Counting from the right, position 11 is not
// doubled, so its contribution is linear.
func luhnFixDigit(digits [16]byte) byte {
	sum := 0
	for i := 15; i >= 0; i-- {
		if i == 11 {
			continue
		}
		d := int(digits[i] - '0')
		if (15-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

func fakeSSN(rng *mrand.Rand) string {
	return fmt.Sprintf("%03d-%02d-%04d", 1+rng.Intn(899), 1+rng.Intn(99), 1+rng.Intn(9999))
}

func fakeIP(rng *mrand.Rand) string {
	return fmt.Sprintf("%d.%d.%d.%d", 1+rng.Intn(223), rng.Intn(256), rng.Intn(256), 1+rng.Intn(254))
}

func fakeDOB(rng *mrand.Rand) string {
	return fmt.Sprintf("%04d-%02d-%02d", 1900+rng.Intn(100), 1+rng.Intn(12), 1+rng.Intn(28))
}

func fakePassport(rng *mrand.Rand) string {
	return fmt.Sprintf("%c%07d", 'A'+rng.Intn(26), rng.Intn(10000000))
}
