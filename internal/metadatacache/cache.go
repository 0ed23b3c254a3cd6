// Package metadatacache owns the StudyMetadata tree: parsing manifest
// bytes into it (via internal/manifest), caching it with a TTL, and
// answering the findStudies/findSeries/findInstances query projections
// the SCP engine's C-FIND handler needs.
package metadatacache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otcheredev/mado-gateway/internal/manifest"
	"github.com/otcheredev/mado-gateway/internal/mhdclient"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// ManifestSource is the subset of mhdclient.Client this cache depends
// on, kept as an interface so tests can substitute a fake.
type ManifestSource interface {
	RetrieveManifestBytes(ctx context.Context, studyUID string) ([]byte, error)
	SearchDocumentReferences(ctx context.Context, params mhdclient.SearchParams) ([]mhdclient.DocumentReference, error)
}

// Keys is the filter set for a find query, named after the DIMSE
// identifier keys a C-FIND/C-MOVE request carries.
type Keys struct {
	PatientID        string
	AccessionNumber  string
	StudyInstanceUID string
	SeriesInstanceUID string
	SOPInstanceUID   string
	Modality         string
	DateFrom         string
	DateTo           string
}

type entry struct {
	study     *models.StudyMetadata
	fetchedAt time.Time
}

// Cache is a TTL study cache with single-flight fetch coalescing.
type Cache struct {
	source ManifestSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

// New builds a Cache backed by source, expiring entries after ttl.
func New(source ManifestSource, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// GetOrFetch returns the cached study if fresh, else fetches, parses,
// and caches it. Concurrent calls for the same uid coalesce into one
// upstream fetch.
func (c *Cache) GetOrFetch(ctx context.Context, studyUID string) (*models.StudyMetadata, error) {
	if study, ok := c.freshEntry(studyUID); ok {
		return study, nil
	}

	result, err, _ := c.group.Do(studyUID, func() (interface{}, error) {
		if study, ok := c.freshEntry(studyUID); ok {
			return study, nil
		}
		return c.fetchAndStore(ctx, studyUID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.StudyMetadata), nil
}

func (c *Cache) freshEntry(studyUID string) (*models.StudyMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[studyUID]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.fetchedAt) > c.ttl {
		return nil, false
	}
	return e.study, true
}

func (c *Cache) fetchAndStore(ctx context.Context, studyUID string) (*models.StudyMetadata, error) {
	data, err := c.source.RetrieveManifestBytes(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, dimse.NewError(dimse.KindUpstreamError, fmt.Sprintf("no manifest for study %s", studyUID), nil)
	}

	study, err := manifest.Parse(data)
	if err != nil {
		return nil, dimse.NewError(dimse.KindParseError, "parse manifest", err)
	}
	study.FetchedAt = time.Now()

	c.mu.Lock()
	c.entries[studyUID] = &entry{study: study, fetchedAt: study.FetchedAt}
	c.mu.Unlock()

	return study, nil
}

// FindStudies delegates the search to the MHD client and projects each
// DocumentReference into a series-less StudyMetadata, then applies a
// case-insensitive modality filter.
func (c *Cache) FindStudies(ctx context.Context, keys Keys) ([]*models.StudyMetadata, error) {
	docs, err := c.source.SearchDocumentReferences(ctx, mhdclient.SearchParams{
		PatientID: keys.PatientID,
		Accession: keys.AccessionNumber,
		StudyUID:  keys.StudyInstanceUID,
		Modality:  keys.Modality,
		DateFrom:  keys.DateFrom,
		DateTo:    keys.DateTo,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.StudyMetadata, 0, len(docs))
	for _, d := range docs {
		study := &models.StudyMetadata{
			StudyInstanceUID:       d.StudyInstanceUID,
			PatientID:              d.PatientID,
			PatientName:            d.PatientDisplayName,
			StudyDate:              d.StudyDate,
			StudyTime:              d.StudyTime,
			StudyDescription:       d.Description,
			AccessionNumber:        d.AccessionNumber,
			ReferringPhysicianName: d.ReferringPhysicianName,
			ModalitiesInStudy:      d.ModalitiesInStudy,
			FetchedAt:              time.Now(),
		}
		if !models.HasModality(study.ModalitiesInStudy, keys.Modality) {
			continue
		}
		out = append(out, study)
	}
	return out, nil
}

// FindSeries returns the series matching keys. When StudyInstanceUID is
// set, the owning study is fetched (via GetOrFetch) and its series are
// filtered. Otherwise every cached study is scanned for a matching
// series, with no upstream call.
func (c *Cache) FindSeries(ctx context.Context, keys Keys) ([]*models.SeriesMetadata, error) {
	if keys.StudyInstanceUID != "" {
		study, err := c.GetOrFetch(ctx, keys.StudyInstanceUID)
		if err != nil {
			return nil, err
		}
		return filterSeries(study.Series, keys), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.SeriesMetadata
	for _, e := range c.entries {
		out = append(out, filterSeries(e.study.Series, keys)...)
	}
	return out, nil
}

func filterSeries(series []*models.SeriesMetadata, keys Keys) []*models.SeriesMetadata {
	var out []*models.SeriesMetadata
	for _, s := range series {
		if keys.SeriesInstanceUID != "" && s.SeriesInstanceUID != keys.SeriesInstanceUID {
			continue
		}
		if keys.Modality != "" && keys.Modality != "*" && !strings.EqualFold(s.Modality, keys.Modality) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// FindInstances requires StudyInstanceUID and returns instances matching
// the remaining filters.
func (c *Cache) FindInstances(ctx context.Context, keys Keys) ([]*models.InstanceMetadata, error) {
	if keys.StudyInstanceUID == "" {
		return nil, dimse.NewError(dimse.KindInvalidArgument, "findInstances requires StudyInstanceUID", nil)
	}
	study, err := c.GetOrFetch(ctx, keys.StudyInstanceUID)
	if err != nil {
		return nil, err
	}

	var out []*models.InstanceMetadata
	for _, s := range study.Series {
		if keys.SeriesInstanceUID != "" && s.SeriesInstanceUID != keys.SeriesInstanceUID {
			continue
		}
		for _, inst := range s.Instances {
			if keys.SOPInstanceUID != "" && inst.SOPInstanceUID != keys.SOPInstanceUID {
				continue
			}
			out = append(out, inst)
		}
	}
	return out, nil
}

// Clear empties the cache, used by the management API's cache-clear
// endpoint.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len reports the number of cached studies.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
