// Package salesforce stores invoice records in Salesforce over the
// JWT-authenticated REST API.
package salesforce

import (
	"context"
	"fmt"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
)

// Client defines the Salesforce API operations used by the storage provider.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error)
}

// sfClient wraps the go-salesforce/v3 Salesforce struct. Request pacing is
// owned by the pipeline's rate limiter, not by this client.
type sfClient struct {
	sf *salesforce.Salesforce
}

// NewClient creates a new Salesforce Client wrapping the given go-salesforce instance.
func NewClient(sf *salesforce.Salesforce) Client {
	return &sfClient{sf: sf}
}

// go-salesforce takes no context, so a cancelled ctx is only honoured before
// the request is sent.
func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	return nil
}

func (c *sfClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrapf(err, "sf: insert %s", sObjectName)
	}
	result, err := c.sf.InsertOne(sObjectName, record)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("sf: insert %s", sObjectName))
	}
	if !result.Success {
		return "", eris.New(fmt.Sprintf("sf: insert %s failed: %v", sObjectName, result.Errors))
	}
	return result.Id, nil
}
