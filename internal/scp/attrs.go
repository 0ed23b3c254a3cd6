package scp

import (
	"strconv"
	"strings"

	"github.com/otcheredev/mado-gateway/internal/metadatacache"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

const (
	levelPatient  = "PATIENT"
	levelStudy    = "STUDY"
	levelSeries   = "SERIES"
	levelImage    = "IMAGE"
	levelInstance = "INSTANCE"
)

// keysFromIdentifier projects a decoded C-FIND/C-MOVE identifier data
// set into the filter keys the metadata cache's find operations expect.
func keysFromIdentifier(identifier *dimse.DataSet) metadatacache.Keys {
	dateFrom, dateTo := metadatacache.ParseDateRange(identifier.GetString(dimse.TagStudyDate))
	return metadatacache.Keys{
		PatientID:         identifier.GetString(dimse.TagPatientID),
		AccessionNumber:   identifier.GetString(dimse.TagAccessionNumber),
		StudyInstanceUID:  identifier.GetString(dimse.TagStudyInstanceUID),
		SeriesInstanceUID: identifier.GetString(dimse.TagSeriesInstanceUID),
		SOPInstanceUID:    identifier.GetString(dimse.TagSOPInstanceUID),
		Modality:          identifier.GetString(dimse.TagModality),
		DateFrom:          dateFrom,
		DateTo:            dateTo,
	}
}

// queryRetrieveLevel returns the request's QueryRetrieveLevel, defaulting
// to STUDY when absent, normalized to upper case.
func queryRetrieveLevel(identifier *dimse.DataSet) string {
	level := strings.ToUpper(strings.TrimSpace(identifier.GetString(dimse.TagQueryRetrieveLevel)))
	if level == "" {
		return levelStudy
	}
	return level
}

// filterResponse keeps only the attributes the request either asked for
// or that are always echoed (QueryRetrieveLevel), per spec.md §4.D's
// C-FIND filtering rule and invariant 5.
func filterResponse(full *dimse.DataSet, requested *dimse.DataSet) *dimse.DataSet {
	out := dimse.NewDataSet()
	for _, t := range full.Tags() {
		if t == dimse.TagQueryRetrieveLevel || requested.Has(t) {
			copyTag(out, full, t)
		}
	}
	return out
}

func copyTag(dst, src *dimse.DataSet, t dimse.Tag) {
	if e, ok := src.GetElement(t); ok {
		dst.SetElement(e)
	}
}

func studyAttrs(s *models.StudyMetadata, level string) *dimse.DataSet {
	d := dimse.NewDataSet()
	d.SetString(dimse.TagQueryRetrieveLevel, level)
	d.SetString(dimse.TagPatientID, s.PatientID)
	d.SetString(dimse.TagPatientName, s.PatientName)
	d.SetString(dimse.TagPatientBirthDate, s.PatientBirthDate)
	d.SetString(dimse.TagPatientSex, s.PatientSex)
	d.SetString(dimse.TagStudyInstanceUID, s.StudyInstanceUID)
	d.SetString(dimse.TagStudyDate, s.StudyDate)
	d.SetString(dimse.TagStudyTime, s.StudyTime)
	d.SetString(dimse.TagStudyID, s.StudyID)
	d.SetString(dimse.TagStudyDescription, s.StudyDescription)
	d.SetString(dimse.TagAccessionNumber, s.AccessionNumber)
	d.SetString(dimse.TagReferringPhysicianName, s.ReferringPhysicianName)
	d.SetString(dimse.TagModalitiesInStudy, models.JoinModalities(s.ModalitiesInStudy))
	d.SetString(dimse.TagNumberOfStudyRelatedSeries, strconv.Itoa(s.StudyRelatedSeriesCount))
	d.SetString(dimse.TagNumberOfStudyRelatedInstances, strconv.Itoa(s.StudyRelatedInstancesCount))
	return d
}

func seriesAttrs(s *models.SeriesMetadata, level string) *dimse.DataSet {
	d := dimse.NewDataSet()
	d.SetString(dimse.TagQueryRetrieveLevel, level)
	d.SetString(dimse.TagStudyInstanceUID, s.StudyInstanceUID)
	d.SetString(dimse.TagSeriesInstanceUID, s.SeriesInstanceUID)
	d.SetString(dimse.TagModality, s.Modality)
	d.SetString(dimse.TagSeriesNumber, s.SeriesNumber)
	d.SetString(dimse.TagSeriesDescription, s.SeriesDescription)
	d.SetString(dimse.TagNumberOfSeriesRelatedInstances, strconv.Itoa(len(s.Instances)))
	return d
}

func instanceAttrs(i *models.InstanceMetadata, level string) *dimse.DataSet {
	d := dimse.NewDataSet()
	d.SetString(dimse.TagQueryRetrieveLevel, level)
	d.SetString(dimse.TagStudyInstanceUID, i.StudyInstanceUID)
	d.SetString(dimse.TagSeriesInstanceUID, i.SeriesInstanceUID)
	d.SetString(dimse.TagSOPInstanceUID, i.SOPInstanceUID)
	d.SetString(dimse.TagSOPClassUID, i.SOPClassUID)
	d.SetString(dimse.TagInstanceNumber, i.InstanceNumber)
	if i.NumberOfFrames > 0 {
		d.SetString(dimse.TagNumberOfFrames, strconv.Itoa(i.NumberOfFrames))
	}
	d.SetUint16(dimse.TagRows, uint16(i.Rows))
	d.SetUint16(dimse.TagColumns, uint16(i.Columns))
	return d
}
