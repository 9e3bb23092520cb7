// Package geoip resolves the scanning operator's own public IP, ISP, and
// approximate location, and provides a candidate-IP country lookup used by
// the target-country probe filter. Uses internal/httpclient's Default()
// client with bounded timeouts instead of a bare http.Get so a slow geo-IP
// provider can never stall a probe worker.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snapetech/cfedgescan/internal/httpclient"
)

// Info is what the operator's own-IP lookup returns.
type Info struct {
	IP       string `json:"ip"`
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	ISP      string `json:"isp"`
	Location string `json:"location"` // "<city>, <region>, <country>" display string
}

// Lookup resolves geo/ISP info, either for the caller's own address
// (ip == "") or for a specific candidate IP.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (Info, error)
}

// ipapiResponse matches ip-api.com's JSON shape. Operating a dedicated geo
// database is out of scope, so an existing free lookup API is used
// instead.
type ipapiResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Query       string `json:"query"`
	Country     string `json:"country"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
}

// HTTPLookup is the default Lookup implementation, querying ip-api.com.
type HTTPLookup struct {
	client *http.Client
}

// NewHTTPLookup returns a Lookup backed by ip-api.com with bounded timeouts.
func NewHTTPLookup() *HTTPLookup {
	return &HTTPLookup{client: httpclient.Default()}
}

func (h *HTTPLookup) Lookup(ctx context.Context, ip string) (Info, error) {
	url := "http://ip-api.com/json/" + ip + "?fields=status,message,query,country,regionName,city,isp"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, fmt.Errorf("geoip: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("geoip: request failed: %w", err)
	}
	defer resp.Body.Close()

	var body ipapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Info{}, fmt.Errorf("geoip: decode response: %w", err)
	}
	if body.Status != "success" {
		return Info{}, fmt.Errorf("geoip: lookup failed: %s", body.Message)
	}

	return Info{
		IP:       body.Query,
		Country:  body.Country,
		Region:   body.RegionName,
		City:     body.City,
		ISP:      body.ISP,
		Location: fmt.Sprintf("%s, %s, %s", body.City, body.RegionName, body.Country),
	}, nil
}
