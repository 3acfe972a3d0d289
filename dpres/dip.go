package dpres

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DIPConfig locates the preservation service's REST API used for
// dissemination.
type DIPConfig struct {
	Host       string
	ContractID string
	// InsecureSkipVerify disables certificate verification; the test
	// environment serves a self-signed certificate.
	InsecureSkipVerify bool
}

// DIPClient schedules, polls and downloads dissemination packages
// (DIPs) from the preservation service.
type DIPClient struct {
	log          *zap.Logger
	config       DIPConfig
	http         *http.Client
	pollInterval time.Duration
}

// NewDIPClient creates a DIPClient.
func NewDIPClient(log *zap.Logger, config DIPConfig) *DIPClient {
	transport := http.DefaultTransport
	if config.InsecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &DIPClient{
		log:          log,
		config:       config,
		http:         &http.Client{Transport: transport},
		pollInterval: 3 * time.Second,
	}
}

func (client *DIPClient) host() string {
	return "https://" + client.config.Host
}

func (client *DIPClient) baseURL() string {
	return fmt.Sprintf("%s/api/2.0/urn:uuid:%s", client.host(), client.config.ContractID)
}

func (client *DIPClient) getJSON(ctx context.Context, method, rawURL string) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Error.New("%s %s: unexpected status %s", method, rawURL, resp.Status)
	}

	var body struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Error.Wrap(err)
	}
	return body.Data, nil
}

// Download disseminates a preserved package and writes the resulting
// archive to outputPath. It blocks until the service finishes building
// the DIP.
func (client *DIPClient) Download(ctx context.Context, aipID, outputPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	disseminate := fmt.Sprintf(
		"%s/preserved/%s/disseminate?format=zip", client.baseURL(), url.PathEscape(aipID))
	data, err := client.getJSON(ctx, http.MethodPost, disseminate)
	if err != nil {
		return err
	}
	var disseminated string
	if err := json.Unmarshal(data["disseminated"], &disseminated); err != nil {
		return Error.Wrap(err)
	}
	client.log.Info("DIP scheduled for creation", zap.String("aip_id", aipID))

	downloadURL, err := client.pollUntilComplete(ctx, client.host()+disseminated)
	if err != nil {
		return err
	}
	return client.download(ctx, downloadURL, outputPath)
}

func (client *DIPClient) pollUntilComplete(ctx context.Context, pollURL string) (downloadURL string, err error) {
	for {
		data, err := client.getJSON(ctx, http.MethodGet, pollURL)
		if err != nil {
			return "", err
		}

		// The API reports completeness as the string "true".
		var complete string
		if err := json.Unmarshal(data["complete"], &complete); err != nil {
			return "", Error.Wrap(err)
		}
		if complete == "true" {
			var actions struct {
				Download string `json:"download"`
			}
			if err := json.Unmarshal(data["actions"], &actions); err != nil {
				return "", Error.Wrap(err)
			}
			return client.host() + actions.Download, nil
		}

		select {
		case <-ctx.Done():
			return "", Error.Wrap(ctx.Err())
		case <-time.After(client.pollInterval):
		}
	}
}

func (client *DIPClient) download(ctx context.Context, rawURL, outputPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("download: unexpected status %s", resp.Status)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(out.Close())
}

// Search lists preserved package ids, optionally filtered by a query
// string.
func (client *DIPClient) Search(ctx context.Context, page, limit int, query string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))
	if query != "" {
		params.Set("q", query)
	}

	data, err := client.getJSON(ctx, http.MethodGet,
		client.baseURL()+"/search?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var results []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data["results"], &results); err != nil {
		return nil, Error.Wrap(err)
	}

	ids := make([]string, 0, len(results))
	for _, result := range results {
		ids = append(ids, result.ID)
	}
	return ids, nil
}
