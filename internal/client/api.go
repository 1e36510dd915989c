package client

import (
	"context"
	"fmt"
	"net/http"

	"airthings-bridge/internal/types"
)

// GetDevices fetches the authoritative list of registered devices with their
// current sensor values
func (c *HTTPClient) GetDevices(ctx context.Context) ([]types.Device, error) {
	req := &Request{
		Method:      http.MethodGet,
		Path:        "/me/devices",
		RequireAuth: true,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("device list request failed: %w", err)
	}

	var list types.DeviceList
	if err := parseJSONResponse(resp, &list); err != nil {
		return nil, fmt.Errorf("failed to parse device list response: %w", err)
	}

	c.logger.WithField("count", len(list.Devices)).Debug("Fetched device list")
	return list.Devices, nil
}

// GetMe fetches the account profile for the authenticated user
func (c *HTTPClient) GetMe(ctx context.Context) (*types.Me, error) {
	req := &Request{
		Method:      http.MethodGet,
		Path:        "/me",
		RequireAuth: true,
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}

	var me types.Me
	if err := parseJSONResponse(resp, &me); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}

	return &me, nil
}
