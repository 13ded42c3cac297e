package mask

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives the 64-bit seed for a cell's substitute value. xxhash
// is stable across runs of the same build, which the determinism contract
// depends on.
func Fingerprint(original []byte) uint64 {
	return xxhash.Sum64(original)
}

var safeDomains = [...]string{"example.com", "example.org", "example.net"}

// Generate produces the substitute value for a strategy. The same
// (strategy, seed) pair always produces the same output: every generator
// draws from a faker seeded with the fingerprint, never from global
// randomness.
func Generate(strategy string, seed uint64) string {
	// gofakeit treats seed 0 as "pick one at random"; pin it.
	if seed == 0 {
		seed = 1
	}
	f := gofakeit.New(seed)
	switch strategy {
	case "email":
		return fmt.Sprintf("%s@%s", f.Username(), safeDomains[seed%uint64(len(safeDomains))])
	case "phone":
		return f.PhoneFormatted()
	case "address":
		return f.City()
	case "credit_card":
		return luhnNumber(f)
	case "ssn":
		return fmt.Sprintf("XXX-XX-%04d", seed%10000)
	case "ip":
		return "0.0.0.0"
	case "dob":
		return "1900-01-01"
	case "passport":
		return "XXXXXXXX"
	default:
		return "MASKED"
	}
}

// luhnNumber builds a 16-digit number whose last digit satisfies the Luhn
// checksum, so masked values still look like card numbers to downstream
// format validators.
func luhnNumber(f *gofakeit.Faker) string {
	digits := make([]int, 16)
	for i := 0; i < 15; i++ {
		digits[i] = f.Number(0, 9)
	}

	sum := 0
	for i := 0; i < 15; i++ {
		d := digits[14-i]
		if i%2 == 0 { // doubling starts from the digit left of the check digit
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	digits[15] = (10 - sum%10) % 10

	out := make([]byte, 16)
	for i, d := range digits {
		out[i] = byte('0' + d)
	}
	return string(out)
}
