// Package controlplane implements the Core/babel <-> Control-Plane HTTP
// client (spec §6): fetching manifests, requesting pre-signed chunk
// download/upload URLs, and finalizing an uploaded manifest. Grounded on
// internal/artifact/manager.go's retryablehttp client setup (fixed retry
// budget, min/max backoff window, request timeout via context).
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/blockjoy/babel/internal/archive"
	"github.com/blockjoy/babel/internal/manifest"
)

// Client implements archive.Transport against a control-plane base URL.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	token   string
}

// New builds a Client with the teacher's retry budget: 4 retries, 250ms to
// 2s backoff window.
func New(baseURL, token string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return &Client{baseURL: baseURL, http: c, token: token}
}

func (c *Client) authHeader(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// FetchManifest issues GET {base}/manifest?archive_id=...&data_version=...
func (c *Client) FetchManifest(ctx context.Context, archiveID, dataVersion string) (archive.ManifestReader, error) {
	url := fmt.Sprintf("%s/manifest?archive_id=%s&data_version=%s", c.baseURL, archiveID, dataVersion)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifest.Manifest{}, err
	}
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return manifest.Manifest{}, fmt.Errorf("fetch manifest: http %s", resp.Status)
	}

	var m manifest.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// FetchChunk issues GET {base}/manifest/chunks/{key} and follows a
// pre-signed download redirect if the control plane returns one, mirroring
// how the original babel client treats chunk fetches as two-hop: first ask
// the control plane, then GET the pre-signed storage URL directly.
func (c *Client) FetchChunk(ctx context.Context, chunkKey string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/manifest/chunks/%s", c.baseURL, chunkKey)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch chunk %s: http %s", chunkKey, resp.Status)
	}
	return resp.Body, nil
}

type uploadSlotsRequest struct {
	ArchiveID   string   `json:"archive_id"`
	DataVersion string   `json:"data_version"`
	Indices     []uint32 `json:"chunk_indices"`
}

type uploadSlotResponse struct {
	ChunkIndex   uint32 `json:"chunk_index"`
	UploadURL    string `json:"upload_url"`
	ExpiresAtSec int64  `json:"expires_at_sec"`
}

// RequestUploadSlots issues POST {base}/upload/slots.
func (c *Client) RequestUploadSlots(ctx context.Context, archiveID, dataVersion string, indices []uint32) ([]archive.UploadSlot, error) {
	body, err := json.Marshal(uploadSlotsRequest{ArchiveID: archiveID, DataVersion: dataVersion, Indices: indices})
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/slots", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request upload slots: http %s", resp.Status)
	}

	var slots []uploadSlotResponse
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("decode upload slots: %w", err)
	}
	out := make([]archive.UploadSlot, len(slots))
	for i, s := range slots {
		out[i] = archive.UploadSlot{ChunkIndex: s.ChunkIndex, UploadURL: s.UploadURL, ExpiresAtSec: s.ExpiresAtSec}
	}
	return out, nil
}

// PutChunk uploads to a pre-signed URL directly, bypassing the control
// plane and its auth header (pre-signed URLs carry their own auth).
func (c *Client) PutChunk(ctx context.Context, uploadURL string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, uploadURL, data)
	if err != nil {
		return err
	}
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("upload url expired or forbidden: http %s", resp.Status)
		}
		return fmt.Errorf("put chunk: http %s", resp.Status)
	}
	return nil
}

// PutManifest issues PUT {base}/manifest.
func (c *Client) PutManifest(ctx context.Context, m archive.ManifestDescriptor) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/manifest", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("put manifest: http %s", resp.Status)
	}
	log.Info().Str("archive_id", m.ArchiveID).Str("data_version", m.DataVersion).Msg("manifest finalized")
	return nil
}
