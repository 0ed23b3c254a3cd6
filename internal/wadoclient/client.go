// Package wadoclient retrieves DICOM instance bytes from a WADO-RS
// endpoint, unwrapping multipart/related and application/zip response
// bodies into individual Part-10 byte blobs.
package wadoclient

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/otcheredev/mado-gateway/internal/dicomutil"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Client retrieves instance bytes from one WADO-RS base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://host/wado-rs").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// InstanceURL builds the canonical WADO-RS retrieve URL for one SOP
// instance, per spec.md §6.
func (c *Client) InstanceURL(studyUID, seriesUID, sopUID string) string {
	return fmt.Sprintf("%s/studies/%s/series/%s/instances/%s", c.baseURL, studyUID, seriesUID, sopUID)
}

// RetrieveInstance fetches the bytes at retrieveURL and returns every
// DICOM blob found in the response, each verified to carry the Part-10
// magic at offset 128. retrieveURL may be absent from the manifest, in
// which case the caller should have derived it via InstanceURL.
func (c *Client) RetrieveInstance(ctx context.Context, retrieveURL string) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, retrieveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wadoclient: build request: %w", err)
	}
	req.Header.Set("Accept", `multipart/related; type="application/dicom"`)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dimse.NewError(dimse.KindUpstreamError, "WADO-RS retrieve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dimse.NewError(dimse.KindUpstreamError, fmt.Sprintf("WADO-RS retrieve returned %d", resp.StatusCode), nil)
	}

	blobs, err := splitBody(resp.Header.Get("Content-Type"), resp.Body)
	if err != nil {
		return nil, dimse.NewError(dimse.KindParseError, "parse WADO-RS response body", err)
	}

	for _, b := range blobs {
		if !dicomutil.IsPart10(b) {
			return nil, dimse.NewError(dimse.KindParseError, "WADO-RS blob missing Part-10 magic at offset 128", nil)
		}
	}
	return blobs, nil
}

// splitBody dispatches on Content-Type: multipart/related parts,
// application/zip entries, or a single application/dicom body.
func splitBody(contentType string, body io.Reader) ([][]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("wadoclient: parse content-type %q: %w", contentType, err)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		return splitMultipart(body, params["boundary"])
	case mediaType == "application/zip":
		return splitZip(body)
	case mediaType == "application/dicom":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	default:
		return nil, fmt.Errorf("wadoclient: unsupported content-type %q", mediaType)
	}
}

func splitMultipart(body io.Reader, boundary string) ([][]byte, error) {
	if boundary == "" {
		return nil, fmt.Errorf("wadoclient: multipart/related response missing boundary")
	}
	reader := multipart.NewReader(body, boundary)

	var blobs [][]byte
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wadoclient: read multipart part: %w", err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("wadoclient: read multipart part body: %w", err)
		}
		blobs = append(blobs, data)
	}
	return blobs, nil
}

func splitZip(body io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("wadoclient: open zip response: %w", err)
	}

	var blobs [][]byte
	for _, f := range reader.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("wadoclient: open zip entry %s: %w", f.Name, err)
		}
		entryData, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("wadoclient: read zip entry %s: %w", f.Name, err)
		}
		blobs = append(blobs, entryData)
	}
	return blobs, nil
}
