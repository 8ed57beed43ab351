package auction

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// DefaultDecimals is the token's decimals when the contract is not asked.
const DefaultDecimals = 18

// ParseAmount converts a decimal token amount ("12.5") into the token's
// smallest unit. The result must be positive and fit in a uint256.
func ParseAmount(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalid("amount", "amount is required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, invalid("amount", "amount must be positive")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, invalid("amount", "amount has more than %d decimal places", decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, invalid("amount", "amount %q is not a number", value)
	}
	if err := CheckAmount(out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckAmount enforces a positive uint256 amount.
func CheckAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return invalid("amount", "amount must be positive")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return invalid("amount", "amount exceeds uint256")
	}
	return nil
}

// FormatAmount renders an amount in whole tokens, trimming trailing zeros.
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	out := whole
	if frac != "" {
		out = fmt.Sprintf("%s.%s", whole, frac)
	}
	if neg {
		out = "-" + out
	}
	return out
}
