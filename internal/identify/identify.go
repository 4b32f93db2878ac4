// Package identify is the client for the external species identification
// service. The service accepts an image reference and answers with ranked
// candidate species in the PlantNet result shape:
//
//	{"results": [{"score": 0.91, "species": {"scientificName": "Azadirachta indica", "commonNames": ["Neem"]}}]}
//
// Every call is bounded by the client timeout. Transport failures, non-2xx
// answers and undecodable bodies are reported as apperror.ErrExternal; a
// well-formed answer without a usable candidate is (nil, nil).
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sakif/carbon-ledger/internal/apperror"
)

const collaborator = "species identification"

// Identifier resolves an image to a species.
type Identifier interface {
	Identify(ctx context.Context, imageRef string) (*Match, error)
}

// Match is the best candidate returned by the service.
type Match struct {
	// Species is the first common name when the service gives one, otherwise
	// the scientific name.
	Species        string
	ScientificName string
	Score          float64
}

// Config configures a Client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// MinScore drops candidates the service is less sure about.
	MinScore float64
	// Organ is the plant part shown in the photo. Defaults to "leaf".
	Organ string
}

// Client calls the identification service over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Identifier = (*Client)(nil)

// New returns a Client. A nil httpClient gets a default one.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Organ == "" {
		cfg.Organ = "leaf"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type request struct {
	ImageURL string `json:"imageUrl"`
	Organ    string `json:"organ"`
}

type response struct {
	Results []struct {
		Score   float64 `json:"score"`
		Species struct {
			ScientificName string   `json:"scientificName"`
			CommonNames    []string `json:"commonNames"`
		} `json:"species"`
	} `json:"results"`
}

// Identify asks the service about imageRef.
func (c *Client) Identify(ctx context.Context, imageRef string) (*Match, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{ImageURL: imageRef, Organ: c.cfg.Organ})
	if err != nil {
		return nil, apperror.External(collaborator, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperror.External(collaborator, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperror.External(collaborator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperror.External(collaborator,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	var decoded response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, apperror.External(collaborator, fmt.Errorf("decoding response: %w", err))
	}

	// Results arrive ranked; take the first one that clears the bar.
	for _, r := range decoded.Results {
		if r.Score < c.cfg.MinScore || r.Species.ScientificName == "" {
			continue
		}
		m := &Match{ScientificName: r.Species.ScientificName, Score: r.Score, Species: r.Species.ScientificName}
		if len(r.Species.CommonNames) > 0 && r.Species.CommonNames[0] != "" {
			m.Species = r.Species.CommonNames[0]
		}
		return m, nil
	}
	return nil, nil
}
