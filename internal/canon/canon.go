// Package canon normalizes market (condition) identifiers. Every join key in
// the system goes through MarketID — format drift between sources is the
// historical cause of joins silently matching nothing, so there is exactly
// one normalization function and no exceptions.
package canon

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// HexLen is the fixed length of a canonical market id: a 32-byte condition
// id rendered as lower-case hex without the 0x prefix.
const HexLen = 64

// MarketID canonicalizes a raw market identifier: strips an optional 0x
// prefix, lower-cases, and enforces the fixed hex length. Shorter valid hex
// is left-padded with zeros (some feeds drop leading zeros); anything longer
// or non-hex is rejected with domain.ErrBadIdentifier.
//
// MarketID is idempotent: canonicalizing already-canonical input is a no-op.
func MarketID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	s = strings.ToLower(s)

	if s == "" {
		return "", fmt.Errorf("canon: empty identifier: %w", domain.ErrBadIdentifier)
	}
	if len(s) > HexLen {
		return "", fmt.Errorf("canon: identifier %q longer than %d hex chars: %w", raw, HexLen, domain.ErrBadIdentifier)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("canon: identifier %q contains non-hex byte %q: %w", raw, c, domain.ErrBadIdentifier)
		}
	}
	if len(s) < HexLen {
		s = strings.Repeat("0", HexLen-len(s)) + s
	}
	return s, nil
}
