package dns

import (
	"context"
	"fmt"
	"log"

	cf "github.com/cloudflare/cloudflare-go"

	"dockhand/internal/config"
)

const recordTTL = 120

// Client manages DNS records in a Cloudflare zone. With the integration
// disabled it only logs what it would do, so the rest of the system behaves
// the same with or without credentials.
type Client struct {
	api        *cf.API
	cfg        config.CloudflareConfig
	serverAddr string // public address of the proxy host
}

// NewClient creates a Cloudflare DNS client. serverAddr is what A records
// point at.
func NewClient(cfg config.CloudflareConfig, serverAddr string) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg, serverAddr: serverAddr}, nil
	}

	api, err := cf.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return &Client{api: api, cfg: cfg, serverAddr: serverAddr}, nil
}

// EnsureRecord makes hostname resolve to the proxy host. Creates the A
// record if missing, updates it if it points elsewhere. Idempotent.
func (c *Client) EnsureRecord(ctx context.Context, hostname string) error {
	if !c.cfg.Enabled {
		log.Printf("[DNS] Integration disabled, would point %s at %s", hostname, c.serverAddr)
		return nil
	}

	zone := cf.ZoneIdentifier(c.cfg.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "A", Name: hostname})
	if err != nil {
		return fmt.Errorf("failed to list DNS records for %s: %w", hostname, err)
	}

	if len(records) > 0 {
		rec := records[0]
		if rec.Content == c.serverAddr {
			return nil
		}
		_, err := c.api.UpdateDNSRecord(ctx, zone, cf.UpdateDNSRecordParams{
			ID:      rec.ID,
			Type:    "A",
			Name:    hostname,
			Content: c.serverAddr,
			TTL:     recordTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to update DNS record for %s: %w", hostname, err)
		}
		log.Printf("[DNS] Updated A record %s -> %s", hostname, c.serverAddr)
		return nil
	}

	proxied := false
	_, err = c.api.CreateDNSRecord(ctx, zone, cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    hostname,
		Content: c.serverAddr,
		TTL:     recordTTL,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS record for %s: %w", hostname, err)
	}
	log.Printf("[DNS] Created A record %s -> %s", hostname, c.serverAddr)
	return nil
}

// DeleteRecord removes the A record for hostname. Unknown hostnames are a
// no-op.
func (c *Client) DeleteRecord(ctx context.Context, hostname string) error {
	if !c.cfg.Enabled {
		log.Printf("[DNS] Integration disabled, would delete A record for %s", hostname)
		return nil
	}

	zone := cf.ZoneIdentifier(c.cfg.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "A", Name: hostname})
	if err != nil {
		return fmt.Errorf("failed to list DNS records for %s: %w", hostname, err)
	}

	for _, rec := range records {
		if err := c.api.DeleteDNSRecord(ctx, zone, rec.ID); err != nil {
			return fmt.Errorf("failed to delete DNS record %s: %w", rec.ID, err)
		}
		log.Printf("[DNS] Deleted A record %s (ID: %s)", hostname, rec.ID)
	}
	return nil
}

// UpsertTXT publishes a TXT record, replacing any previous value. Used for
// ACME DNS-01 challenges.
func (c *Client) UpsertTXT(ctx context.Context, name, value string) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("cloudflare integration disabled, cannot publish TXT record %s", name)
	}

	zone := cf.ZoneIdentifier(c.cfg.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "TXT", Name: name})
	if err != nil {
		return fmt.Errorf("failed to list TXT records for %s: %w", name, err)
	}

	if len(records) > 0 {
		_, err := c.api.UpdateDNSRecord(ctx, zone, cf.UpdateDNSRecordParams{
			ID:      records[0].ID,
			Type:    "TXT",
			Name:    name,
			Content: value,
			TTL:     recordTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to update TXT record %s: %w", name, err)
		}
		return nil
	}

	_, err = c.api.CreateDNSRecord(ctx, zone, cf.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    name,
		Content: value,
		TTL:     recordTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create TXT record %s: %w", name, err)
	}
	return nil
}

// DeleteTXT removes every TXT record with the given name.
func (c *Client) DeleteTXT(ctx context.Context, name string) error {
	if !c.cfg.Enabled {
		return nil
	}

	zone := cf.ZoneIdentifier(c.cfg.ZoneID)
	records, _, err := c.api.ListDNSRecords(ctx, zone, cf.ListDNSRecordsParams{Type: "TXT", Name: name})
	if err != nil {
		return fmt.Errorf("failed to list TXT records for %s: %w", name, err)
	}

	for _, rec := range records {
		if err := c.api.DeleteDNSRecord(ctx, zone, rec.ID); err != nil {
			return fmt.Errorf("failed to delete TXT record %s: %w", rec.ID, err)
		}
	}
	return nil
}
