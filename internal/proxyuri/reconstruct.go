package proxyuri

import (
	"fmt"
	"net/url"
	"strings"
)

// Reconstruct rebuilds a proxy URI pointing at candidateIP, keeping every
// parameter key from the original parse in its original order
// ("vless://<credential>@<ip>:<port>?<k=v&...>#IP-<ip>"). Parameter keys
// are preserved verbatim from cfg.Order; values are re-encoded as-is.
func Reconstruct(cfg Config, candidateIP string) string {
	base := fmt.Sprintf("%s://%s@%s:%d", cfg.Scheme, cfg.Credential, candidateIP, cfg.Port)
	if len(cfg.Order) == 0 {
		return fmt.Sprintf("%s#IP-%s", base, candidateIP)
	}
	pairs := make([]string, 0, len(cfg.Order))
	for _, k := range cfg.Order {
		v := cfg.Params[k]
		pairs = append(pairs, k+"="+url.QueryEscape(v))
	}
	return fmt.Sprintf("%s?%s#IP-%s", base, strings.Join(pairs, "&"), candidateIP)
}
