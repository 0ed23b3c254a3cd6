package mhdclient

import "testing"

func TestProjectDocumentReferenceUsesTopLevelDate(t *testing.T) {
	r := fhirDocumentReference{
		Date: "2024-03-05T14:22:00Z",
		Context: fhirDocContext{
			Period: fhirPeriod{Start: "1999-01-01T00:00:00Z"},
		},
	}
	doc := projectDocumentReference(r)
	if doc.StudyDate != "20240305" || doc.StudyTime != "142200" {
		t.Errorf("StudyDate/StudyTime = %q/%q, want 20240305/142200 (from top-level date, not context.period.start)", doc.StudyDate, doc.StudyTime)
	}
}

func TestProjectDocumentReferenceAccessionFromContextRelated(t *testing.T) {
	r := fhirDocumentReference{
		Context: fhirDocContext{
			Related: []fhirReference{
				{Identifier: &fhirIdentifier{System: "urn:dicom:uid", Value: "ACC-REL-1"}},
			},
		},
		Identifier: []fhirIdentifier{
			{System: "urn:ihe:iti:xds:2013:accession", Value: "ACC-ID-1"},
		},
	}
	doc := projectDocumentReference(r)
	if doc.AccessionNumber != "ACC-REL-1" {
		t.Errorf("AccessionNumber = %q, want ACC-REL-1 (context.related takes precedence)", doc.AccessionNumber)
	}
}

func TestProjectDocumentReferenceAccessionFallsBackToIdentifier(t *testing.T) {
	r := fhirDocumentReference{
		Identifier: []fhirIdentifier{
			{System: "urn:ihe:iti:xds:2013:accession", Value: "ACC-ID-1"},
		},
	}
	doc := projectDocumentReference(r)
	if doc.AccessionNumber != "ACC-ID-1" {
		t.Errorf("AccessionNumber = %q, want ACC-ID-1 (fallback to identifier system)", doc.AccessionNumber)
	}
}

func TestProjectDocumentReferenceSkipsUnknownAuthorSentinel(t *testing.T) {
	r := fhirDocumentReference{
		Author: []fhirReference{
			{Display: "Unknown Author"},
			{Display: "Dr. Jane Smith"},
		},
	}
	doc := projectDocumentReference(r)
	if doc.ReferringPhysicianName != "Dr. Jane Smith" {
		t.Errorf("ReferringPhysicianName = %q, want Dr. Jane Smith (sentinel author skipped)", doc.ReferringPhysicianName)
	}
}

func TestProjectDocumentReferenceAllAuthorsSentinelYieldsEmpty(t *testing.T) {
	r := fhirDocumentReference{
		Author: []fhirReference{
			{Display: "Unknown Author"},
		},
	}
	doc := projectDocumentReference(r)
	if doc.ReferringPhysicianName != "" {
		t.Errorf("ReferringPhysicianName = %q, want empty", doc.ReferringPhysicianName)
	}
}

func TestProjectDocumentReferenceDedupsModalities(t *testing.T) {
	r := fhirDocumentReference{
		Context: fhirDocContext{
			Event: []fhirCodeableConcept{
				{Coding: []fhirCoding{{System: "urn:dicom:modality", Code: "CT"}}},
				{Coding: []fhirCoding{{System: "urn:dicom:modality", Code: "CT"}}},
				{Coding: []fhirCoding{{System: "urn:dicom:modality", Code: "MR"}}},
			},
		},
	}
	doc := projectDocumentReference(r)
	if len(doc.ModalitiesInStudy) != 2 {
		t.Fatalf("ModalitiesInStudy = %v, want 2 distinct codes (CT, MR)", doc.ModalitiesInStudy)
	}
	if doc.ModalitiesInStudy[0] != "CT" || doc.ModalitiesInStudy[1] != "MR" {
		t.Errorf("ModalitiesInStudy = %v, want [CT MR] in first-seen order", doc.ModalitiesInStudy)
	}
}
