package ota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/st-keller/ota-client/manifest"
	"github.com/st-keller/ota-client/settings"
	"github.com/st-keller/ota-client/standard"
	"github.com/st-keller/ota-client/status"
	"github.com/st-keller/ota-client/transport"
)

type statusPayload struct {
	Status status.Snapshot    `json:"status"`
	Board  standard.BoardInfo `json:"board"`
}

// StatusURL returns the effective status endpoint.
func (c *Client) StatusURL() (string, error) {
	if c.config.StatusURL != "" {
		return c.config.StatusURL, nil
	}
	base, err := c.CheckURL()
	if err != nil {
		return "", err
	}
	return joinURL(base, "status"), nil
}

// ReportStatus posts the status document. A 200 response body is applied
// in the background; ReportStatus returns as soon as the post completes.
func (c *Client) ReportStatus(ctx context.Context) error {
	url, err := c.StatusURL()
	if err != nil {
		return err
	}

	snap, err := c.status.Collect()
	if err != nil {
		c.logs.WarnNoTrigger("Status section skipped", map[string]any{"error": err.Error()})
	}
	payload, err := json.Marshal(statusPayload{Status: snap, Board: c.config.Board})
	if err != nil {
		return fmt.Errorf("encoding status report: %w", err)
	}

	resp, err := c.open(ctx, http.MethodPost, url, payload, http.StatusOK, http.StatusAccepted, http.StatusNoContent)
	if err != nil {
		c.logs.WarnNoTrigger("Status report failed", map[string]any{"url": url, "error": err.Error()})
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Close()
		c.logs.Debug("Status reported", map[string]any{"code": resp.StatusCode, "changed": snap.Changed})
		return nil
	}

	data, err := transport.ReadAll(resp, transport.MaxAPIResponseSize)
	if err != nil {
		return c.readFailure(url, err)
	}
	c.logs.Debug("Status reported", map[string]any{"code": resp.StatusCode, "changed": snap.Changed})

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.applyStatusResponse(data)
	}()
	return nil
}

// applyStatusResponse handles the optional instructions in a status
// response: server time, remote settings, custom content.
func (c *Client) applyStatusResponse(data []byte) {
	m, err := manifest.Parse(data)
	if err != nil {
		c.logs.WarnNoTrigger("Ignoring unparsable status response", map[string]any{"error": err.Error()})
		return
	}
	for _, warning := range m.Warnings {
		c.logs.WarnNoTrigger("Ignored status response entry", map[string]any{"detail": warning})
	}

	c.applyServerTime(m)
	if m.Settings != nil {
		c.applyRemoteSettings(m.Settings)
	}
	if len(m.Custom) > 0 && c.contentEnabled(1) {
		c.forwardContent(m.Custom, "status")
	}
}

func (c *Client) applyRemoteSettings(rs *manifest.RemoteSettings) {
	if len(rs.Status) > 0 {
		ns := c.settings.Open(StatusNamespace, true)
		for key, value := range rs.Status {
			changed, err := settings.UpdateInt(ns, key, value)
			if err != nil {
				c.logs.Warn("Persisting remote setting failed", map[string]any{
					"namespace": StatusNamespace,
					"key":       key,
					"error":     err.Error(),
				})
				continue
			}
			if changed {
				c.logs.Info("Remote setting applied", map[string]any{"key": StatusNamespace + "." + key, "value": value})
			}
		}
	}
	if len(rs.General) > 0 {
		c.applySection(GeneralNamespace, rs.General)
	}
}
