// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ConfiguredDevice is one record returned by the management API's
// configureddevices endpoint.
type ConfiguredDevice struct {
	Name     string `json:"DeviceName"`
	Type     string `json:"DeviceType"`
	Number   int    `json:"DeviceNumber"`
	UniqueID string `json:"UniqueID"`
}

// ConfiguredDevices queries a host's management endpoint for the devices it
// serves. The caller bounds the call through ctx.
func ConfiguredDevices(ctx context.Context, host string, port int) ([]ConfiguredDevice, error) {
	u := fmt.Sprintf("http://%s/management/v1/configureddevices", joinHostPort(host, port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}

	var body struct {
		ErrorNumber  int                `json:"ErrorNumber"`
		ErrorMessage string             `json:"ErrorMessage"`
		Value        []ConfiguredDevice `json:"Value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid management response: %v", err)
	}
	if body.ErrorNumber != 0 {
		return nil, fmt.Errorf("management error %d: %s", body.ErrorNumber, body.ErrorMessage)
	}

	return body.Value, nil
}
