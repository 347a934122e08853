package exchange

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Credentials struct {
	APIKey    string
	SecretKey string
	Memo      string
}

var credentialEnv = map[string]map[string][2]string{
	"binance": {
		"testnet": {"BINANCE_TESTNET_API_KEY", "BINANCE_TESTNET_SECRET_KEY"},
		"real":    {"BINANCE_REAL_API_KEY", "BINANCE_REAL_SECRET_KEY"},
	},
	"bitmart": {
		"real": {"BITMART_REAL_API_KEY", "BITMART_REAL_SECRET_KEY"},
	},
}

// LoadCredentials resolves API keys from the environment for the given
// exchange and trading mode. Unsupported combinations and missing keys
// are ConfigErrors so bot start fails before any order is placed.
func LoadCredentials(exchange, mode string) (Credentials, error) {
	exchange = strings.ToLower(exchange)
	modes, ok := credentialEnv[exchange]
	if !ok {
		return Credentials{}, &ConfigError{Reason: fmt.Sprintf("unsupported exchange: %s", exchange)}
	}
	names, ok := modes[mode]
	if !ok {
		return Credentials{}, &ConfigError{Reason: fmt.Sprintf("unsupported mode %q for exchange %s", mode, exchange)}
	}
	creds := Credentials{
		APIKey:    os.Getenv(names[0]),
		SecretKey: os.Getenv(names[1]),
	}
	if exchange == "bitmart" {
		creds.Memo = os.Getenv("BITMART_MEMO")
	}
	if creds.APIKey == "" || creds.SecretKey == "" ||
		strings.HasPrefix(creds.APIKey, "your_") || strings.HasPrefix(creds.SecretKey, "your_") {
		return Credentials{}, &ConfigError{Reason: fmt.Sprintf("missing API credentials for %s %s (%s/%s)",
			exchange, mode, names[0], names[1])}
	}
	return creds, nil
}

// NewAdapter builds the REST adapter for one exchange/mode pair. The
// binding is fixed for the life of the gateway.
func NewAdapter(exchange, mode string, timeout time.Duration, log *zap.Logger) (Adapter, error) {
	creds, err := LoadCredentials(exchange, mode)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	switch strings.ToLower(exchange) {
	case "binance":
		return newBinance(creds, mode == "testnet", timeout, log), nil
	case "bitmart":
		return newBitmart(creds, timeout, log), nil
	}
	return nil, &ConfigError{Reason: fmt.Sprintf("unsupported exchange: %s", exchange)}
}
