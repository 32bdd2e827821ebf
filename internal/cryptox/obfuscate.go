package cryptox

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// FieldKind selects the placeholder style returned by Obfuscate.
type FieldKind string

const (
	FieldEmail    FieldKind = "email"
	FieldPassword FieldKind = "password"
	FieldOTP      FieldKind = "otp"
)

const (
	hexAlphabet    = "0123456789ABCDEF"
	glitchAlphabet = "░▒▓█▌│║▐►◄↕↔"
)

// now is swapped in tests.
var now = time.Now

// Obfuscate returns a fresh placeholder for a protected field. Values are
// random per call, carry no information about the real value and must never
// be cached or persisted.
//
//	email:    ENCRYPTED::<16 hex>::<4 glitch>
//	password: CIPHER::LOCKED::<8 hex>::ACCESS_DENIED
//	otp:      <3 glitch>::RESTRICTED::<hex unix millis>
func Obfuscate(kind FieldKind) string {
	switch kind {
	case FieldEmail:
		return "ENCRYPTED::" + randomFrom(hexAlphabet, 16) + "::" + randomFrom(glitchAlphabet, 4)
	case FieldPassword:
		return "CIPHER::LOCKED::" + randomFrom(hexAlphabet, 8) + "::ACCESS_DENIED"
	case FieldOTP:
		return randomFrom(glitchAlphabet, 3) + "::RESTRICTED::" + strings.ToUpper(strconv.FormatInt(now().UnixMilli(), 16))
	default:
		return "ENCRYPTED::" + randomFrom(hexAlphabet, 12)
	}
}

func randomFrom(alphabet string, n int) string {
	runes := []rune(alphabet)
	max := big.NewInt(int64(len(runes)))

	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b.WriteRune(runes[idx.Int64()])
	}
	return b.String()
}
