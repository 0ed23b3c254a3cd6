// Package mhdclient is the MHD FHIR client (component A): it issues the
// two HTTP GET operations the gateway needs against a remote MHD
// endpoint — DocumentReference search (ITI-67) and raw manifest byte
// retrieval (ITI-68).
package mhdclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Client talks to one MHD base URL.
type Client struct {
	baseURL    string
	httpSearch *http.Client
	httpFetch  *http.Client
}

// New builds a Client against baseURL (e.g. "https://host/fhir").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpSearch: &http.Client{Timeout: 30 * time.Second},
		httpFetch:  &http.Client{Timeout: 60 * time.Second},
	}
}

// SearchParams are the optional DocumentReference search filters.
type SearchParams struct {
	PatientID string
	Accession string
	StudyUID  string
	Modality  string
	DateFrom  string // DICOM YYYYMMDD
	DateTo    string // DICOM YYYYMMDD
}

// DocumentReference is the minimal projection of a FHIR DocumentReference
// this gateway needs, per spec.md §4.A.
type DocumentReference struct {
	StudyInstanceUID       string
	AccessionNumber        string
	PatientID              string
	PatientDisplayName     string
	StudyDate              string
	StudyTime              string
	ModalitiesInStudy      []string
	ReferringPhysicianName string
	Description            string
}

// SearchDocumentReferences issues GET {base}/DocumentReference?... and
// follows link[relation=next] until the FHIR Bundle is exhausted.
func (c *Client) SearchDocumentReferences(ctx context.Context, params SearchParams) ([]DocumentReference, error) {
	query := buildQuery(params)
	next := c.baseURL + "/DocumentReference?" + query.Encode()

	var out []DocumentReference
	for next != "" {
		bundle, err := c.fetchBundle(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, entry := range bundle.Entry {
			out = append(out, projectDocumentReference(entry.Resource))
		}
		next = bundle.nextLink()
	}
	return out, nil
}

func (c *Client) fetchBundle(ctx context.Context, url string) (*fhirBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("mhdclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.httpSearch.Do(req)
	if err != nil {
		return nil, dimse.NewError(dimse.KindUpstreamError, "DocumentReference search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, dimse.NewError(dimse.KindUpstreamError, fmt.Sprintf("DocumentReference search returned %d", resp.StatusCode), nil)
	}

	bundle, err := decodeBundle(resp.Body)
	if err != nil {
		return nil, dimse.NewError(dimse.KindParseError, "decode FHIR Bundle", err)
	}
	return bundle, nil
}

// RetrieveManifestBytes issues GET against the manifest endpoint derived
// by stripping the trailing "/fhir" from the base URL and appending
// "/mhd/studies/{uid}/manifest". A 404 is reported as (nil, nil) — an
// absent manifest, not an error.
func (c *Client) RetrieveManifestBytes(ctx context.Context, studyUID string) ([]byte, error) {
	prefix := strings.TrimSuffix(c.baseURL, "/fhir")
	manifestURL := fmt.Sprintf("%s/mhd/studies/%s/manifest", prefix, url.PathEscape(studyUID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mhdclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/dicom")

	resp, err := c.httpFetch.Do(req)
	if err != nil {
		return nil, dimse.NewError(dimse.KindUpstreamError, "manifest retrieve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, dimse.NewError(dimse.KindUpstreamError, fmt.Sprintf("manifest retrieve returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mhdclient: read manifest body: %w", err)
	}
	return body, nil
}

func buildQuery(p SearchParams) url.Values {
	q := url.Values{}
	if p.PatientID != "" {
		q.Set("patient.identifier", p.PatientID)
	}
	if p.Accession != "" {
		q.Set("identifier", p.Accession)
	}
	if p.StudyUID != "" {
		q.Set("masterIdentifier", p.StudyUID)
	}
	if p.Modality != "" {
		q.Set("event", p.Modality)
	}
	setDateRange(q, p.DateFrom, p.DateTo)
	return q
}

// setDateRange translates DICOM YYYYMMDD inputs into FHIR date
// parameters: a single "date=geFROM&date=leTO" pair when both sides are
// present, or just one side when the other is empty (open-ended range).
func setDateRange(q url.Values, from, to string) {
	if from == "" && to == "" {
		return
	}
	if from != "" {
		q.Add("date", "ge"+toFHIRDate(from))
	}
	if to != "" {
		q.Add("date", "le"+toFHIRDate(to))
	}
}

func toFHIRDate(dicomDate string) string {
	if len(dicomDate) != 8 {
		return dicomDate
	}
	return dicomDate[0:4] + "-" + dicomDate[4:6] + "-" + dicomDate[6:8]
}
