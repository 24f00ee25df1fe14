package usecase

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/vitos/option_price_monitor/internal/domain"
)

// ParseOptionSymbol validates and splits an option contract symbol.
// Accepted forms: BASE-EXPIRY-STRIKE-TYPE and BASE-EXPIRY-STRIKE-TYPE-USDT.
func ParseOptionSymbol(symbol string) (domain.OptionInfo, error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 4 && len(parts) != 5 {
		return domain.OptionInfo{}, domain.NewValidationError("monitor_symbol",
			"option symbol must be BASE-EXPIRY-STRIKE-TYPE or BASE-EXPIRY-STRIKE-TYPE-USDT, got %q", symbol)
	}

	base := parts[0]
	if base != "BTC" && base != "ETH" {
		return domain.OptionInfo{}, domain.NewValidationError("monitor_symbol",
			"base coin must be BTC or ETH, got %q", base)
	}

	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return domain.OptionInfo{}, domain.NewValidationError("monitor_symbol",
			"strike price must be a positive number, got %q", parts[2])
	}

	var optType string
	switch parts[3] {
	case "C", "Call":
		optType = "Call"
	case "P", "Put":
		optType = "Put"
	default:
		return domain.OptionInfo{}, domain.NewValidationError("monitor_symbol",
			"option type must be C/Call or P/Put, got %q", parts[3])
	}

	if len(parts) == 5 && parts[4] != "USDT" {
		return domain.OptionInfo{}, domain.NewValidationError("monitor_symbol",
			"only USDT settled options are supported, got %q", parts[4])
	}

	return domain.OptionInfo{
		Symbol:      symbol,
		BaseCoin:    base,
		StrikePrice: strike,
		ExpiryDate:  parts[1],
		OptionType:  optType,
	}, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return domain.NewValidationError("webhook_url", "not a valid URL: %v", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewValidationError("webhook_url", "must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}
