package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

// TokenTTL is how long a login token stays redeemable.
const TokenTTL = 15 * time.Minute

// tokenWords is the pool the login token words are drawn from. Short,
// unambiguous, easy to read over the phone or type from another screen.
var tokenWords = []string{
	"ACORN", "AMBER", "APPLE", "ASPEN", "BADGE", "BEACH", "BERRY", "BIRCH",
	"BISON", "BLAZE", "BRASS", "BREAD", "BRICK", "BROOK", "CABIN", "CANDY",
	"CANOE", "CEDAR", "CHALK", "CHESS", "CIDER", "CLIFF", "CLOUD", "CLOVE",
	"COAST", "CORAL", "CRANE", "CREEK", "DAISY", "DELTA", "DRIFT", "EAGLE",
	"EMBER", "FERN", "FIELD", "FJORD", "FLAME", "FLINT", "FROST", "GLADE",
	"GRAIN", "GROVE", "HAZEL", "HEATH", "HONEY", "IVORY", "JUNIPER", "KELP",
	"LEMON", "LILAC", "LOTUS", "MAPLE", "MARSH", "MEADOW", "MINT", "MOSS",
	"NORTH", "OCEAN", "OLIVE", "ONYX", "OPAL", "ORCHID", "OTTER", "PEARL",
	"PEBBLE", "PINE", "PLUM", "PRISM", "QUARTZ", "RAVEN", "REEF", "RIDGE",
	"RIVER", "ROBIN", "SAGE", "SHELL", "SLATE", "SPRUCE", "STONE", "STORM",
	"SWAN", "THORN", "TIDAL", "TIGER", "TOPAZ", "TRAIL", "TULIP", "UMBER",
	"VALLEY", "VIOLET", "WALNUT", "WILLOW", "WREN", "ZEPHYR",
}

var tokenPattern = regexp.MustCompile(`^[A-Z]+-[A-Z]+-[A-Z]+-\d{4}$`)

// GenerateToken returns a login token of the form WORD-WORD-WORD-1234:
// three words from the pool plus a four digit number, all from crypto/rand.
func GenerateToken() (string, error) {
	pick := func(n int) (int, error) {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
		if err != nil {
			return 0, fmt.Errorf("failed to generate token randomness: %w", err)
		}
		return int(v.Int64()), nil
	}

	words := make([]string, 3)
	for i := range words {
		idx, err := pick(len(tokenWords))
		if err != nil {
			return "", err
		}
		words[i] = tokenWords[idx]
	}
	num, err := pick(10000)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s-%04d", words[0], words[1], words[2], num), nil
}

// ValidTokenFormat reports whether s looks like a login token. Used to
// reject obviously malformed input before touching the database.
func ValidTokenFormat(s string) bool {
	return tokenPattern.MatchString(s)
}
