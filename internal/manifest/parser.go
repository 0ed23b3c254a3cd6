// Package manifest parses a MADO manifest — a DICOM Key Object
// Selection document listing the studies/series/instances available
// for retrieval, along with their WADO-RS retrieve URLs — into the
// gateway's StudyMetadata tree.
package manifest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/mado-gateway/internal/models"
)

// imageLibraryCode and imageLibraryGroupCode identify the TID-1600
// container nodes this parser walks to enrich the series/instance tree
// built from CurrentRequestedProcedureEvidenceSequence.
const (
	imageLibraryCode      = "111028"
	imageLibraryGroupCode = "126200"

	conceptSeriesUID         = "ddd006"
	conceptSeriesDescription = "ddd007"
	conceptSeriesNumber      = "ddd010"
	conceptSeriesNumberLegacy = "ddd005"
	conceptInstanceNumber       = "ddd012"
	conceptInstanceNumberLegacy = "ddd005"
	conceptNumberOfFrames       = "ddd008"
)

// Parse decodes raw MADO manifest bytes into a StudyMetadata tree. A
// manifest that cannot be parsed as DICOM at all returns an error, which
// the metadata cache reports as KindParseError; individual malformed SR content items are skipped rather than failing
// the whole parse.
func Parse(data []byte) (*models.StudyMetadata, error) {
	dataset, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse DICOM dataset: %w", err)
	}

	study := &models.StudyMetadata{
		StudyInstanceUID:       firstString(dataset, tag.StudyInstanceUID),
		PatientID:              firstString(dataset, tag.PatientID),
		PatientName:            firstString(dataset, tag.PatientName),
		PatientBirthDate:       firstString(dataset, tag.PatientBirthDate),
		PatientSex:             firstString(dataset, tag.PatientSex),
		StudyDate:              firstString(dataset, tag.StudyDate),
		StudyTime:              firstString(dataset, tag.StudyTime),
		StudyID:                firstString(dataset, tag.StudyID),
		StudyDescription:       firstString(dataset, tag.StudyDescription),
		AccessionNumber:        firstString(dataset, tag.AccessionNumber),
		ReferringPhysicianName: firstString(dataset, tag.ReferringPhysicianName),
		FetchedAt:              time.Now(),
	}

	evidence, err := findElement(dataset, tag.CurrentRequestedProcedureEvidenceSequence)
	if err == nil {
		for _, studyItem := range sequenceItems(evidence) {
			walkStudyItem(study, studyItem)
		}
	}

	if root, err := findElement(dataset, tag.ConceptNameCodeSequence); err == nil {
		_ = root // top-level document concept name is not needed further
	}
	enrichFromContentTree(study, dataset.Elements)

	study.Recompute()
	if study.RetrieveURL == "" && len(study.Series) > 0 {
		study.RetrieveURL = deriveStudyURL(study.Series[0].RetrieveURL)
	}

	return study, nil
}

func walkStudyItem(study *models.StudyMetadata, studyItem []*dicom.Element) {
	seriesSeq, err := findElementIn(studyItem, tag.ReferencedSeriesSequence)
	if err != nil {
		return
	}
	for _, seriesItem := range sequenceItems(seriesSeq) {
		series := &models.SeriesMetadata{
			StudyInstanceUID:    study.StudyInstanceUID,
			SeriesInstanceUID:   firstStringIn(seriesItem, tag.SeriesInstanceUID),
			Modality:            firstStringIn(seriesItem, tag.Modality),
			RetrieveURL:         firstStringIn(seriesItem, retrieveURLTag),
			RetrieveLocationUID: firstStringIn(seriesItem, tag.RetrieveLocationUID),
		}

		sopSeq, err := findElementIn(seriesItem, tag.ReferencedSOPSequence)
		if err == nil {
			for _, sopItem := range sequenceItems(sopSeq) {
				sopInstanceUID := firstStringIn(sopItem, tag.ReferencedSOPInstanceUID)
				if sopInstanceUID == "" {
					continue
				}
				instance := &models.InstanceMetadata{
					StudyInstanceUID:  study.StudyInstanceUID,
					SeriesInstanceUID: series.SeriesInstanceUID,
					SOPInstanceUID:    sopInstanceUID,
					SOPClassUID:       firstStringIn(sopItem, tag.ReferencedSOPClassUID),
					RetrieveURL:       firstStringIn(sopItem, retrieveURLTag),
					NumberOfFrames:    firstIntIn(sopItem, tag.NumberOfFrames),
					Rows:              firstIntIn(sopItem, tag.Rows),
					Columns:           firstIntIn(sopItem, tag.Columns),
				}
				if instance.SOPClassUID == "" {
					continue
				}
				if instance.RetrieveURL == "" && series.RetrieveURL != "" {
					instance.RetrieveURL = series.RetrieveURL + "/instances/" + instance.SOPInstanceUID
				}
				series.Instances = append(series.Instances, instance)
			}
		}

		study.Series = append(study.Series, series)
	}
}

// enrichFromContentTree walks the TID-1600 SR content tree to fill in
// series description/number and instance number/frame count, per
// spec.md §4.B step 3.
func enrichFromContentTree(study *models.StudyMetadata, elements []*dicom.Element) {
	library := findContainerByCode(elements, "DCM", imageLibraryCode)
	if library == nil {
		return
	}
	contentSeq, err := findElementIn(library, tag.ContentSequence)
	if err != nil {
		return
	}

	for _, groupItem := range sequenceItems(contentSeq) {
		if conceptCode(groupItem) != imageLibraryGroupCode {
			continue
		}
		groupContentSeq, err := findElementIn(groupItem, tag.ContentSequence)
		if err != nil {
			continue
		}
		children := sequenceItems(groupContentSeq)

		var seriesUID string
		for _, child := range children {
			if conceptCode(child) == conceptSeriesUID {
				seriesUID = firstStringIn(child, tag.UID)
				break
			}
		}
		series := findSeries(study, seriesUID)

		for _, child := range children {
			code := conceptCode(child)
			switch code {
			case conceptSeriesDescription:
				if series != nil {
					series.SeriesDescription = firstStringIn(child, tag.TextValue)
				}
			case conceptSeriesNumber, conceptSeriesNumberLegacy:
				if series != nil {
					series.SeriesNumber = numValue(child)
				}
			case "":
				if valueType(child) == "IMAGE" {
					enrichImage(study, series, child)
				}
			}
		}
	}
}

func enrichImage(study *models.StudyMetadata, series *models.SeriesMetadata, imageItem []*dicom.Element) {
	refSeq, err := findElementIn(imageItem, tag.ReferencedSOPSequence)
	if err != nil {
		return
	}
	items := sequenceItems(refSeq)
	if len(items) == 0 {
		return
	}
	sopInstanceUID := firstStringIn(items[0], tag.ReferencedSOPInstanceUID)
	instance := findInstance(study, series, sopInstanceUID)
	if instance == nil {
		return
	}

	childSeq, err := findElementIn(imageItem, tag.ContentSequence)
	if err != nil {
		return
	}
	for _, child := range sequenceItems(childSeq) {
		switch conceptCode(child) {
		case conceptInstanceNumber, conceptInstanceNumberLegacy:
			instance.InstanceNumber = numValue(child)
		case conceptNumberOfFrames:
			if v := numValue(child); v != "" {
				fmt.Sscanf(v, "%d", &instance.NumberOfFrames)
			}
		}
	}
}

func findSeries(study *models.StudyMetadata, seriesUID string) *models.SeriesMetadata {
	if seriesUID == "" {
		return nil
	}
	for _, s := range study.Series {
		if s.SeriesInstanceUID == seriesUID {
			return s
		}
	}
	return nil
}

func findInstance(study *models.StudyMetadata, series *models.SeriesMetadata, sopInstanceUID string) *models.InstanceMetadata {
	if sopInstanceUID == "" {
		return nil
	}
	if series != nil {
		for _, i := range series.Instances {
			if i.SOPInstanceUID == sopInstanceUID {
				return i
			}
		}
	}
	for _, s := range study.Series {
		for _, i := range s.Instances {
			if i.SOPInstanceUID == sopInstanceUID {
				return i
			}
		}
	}
	return nil
}

func deriveStudyURL(seriesURL string) string {
	idx := strings.LastIndex(seriesURL, "/series/")
	if idx < 0 {
		return ""
	}
	return seriesURL[:idx]
}
