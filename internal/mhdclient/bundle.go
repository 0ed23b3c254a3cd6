package mhdclient

import (
	"encoding/json"
	"io"
	"strings"
)

// fhirBundle is the minimal subset of a FHIR searchset Bundle this
// gateway needs: entries plus pagination links.
type fhirBundle struct {
	Entry []fhirEntry `json:"entry"`
	Link  []fhirLink  `json:"link"`
}

type fhirEntry struct {
	Resource fhirDocumentReference `json:"resource"`
}

type fhirLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// fhirDocumentReference mirrors the fields of a FHIR DocumentReference
// resource actually consumed by projectDocumentReference.
type fhirDocumentReference struct {
	MasterIdentifier fhirIdentifier   `json:"masterIdentifier"`
	Identifier       []fhirIdentifier `json:"identifier"`
	Subject          fhirReference    `json:"subject"`
	Context          fhirDocContext   `json:"context"`
	Description      string           `json:"description"`
	Date             string           `json:"date"`
	Author           []fhirReference  `json:"author"`
	Extension        []fhirExtension  `json:"extension"`
}

type fhirIdentifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type fhirReference struct {
	Reference  string          `json:"reference"`
	Display    string          `json:"display"`
	Identifier *fhirIdentifier `json:"identifier"`
}

type fhirDocContext struct {
	Event   []fhirCodeableConcept `json:"event"`
	Period  fhirPeriod            `json:"period"`
	Related []fhirReference       `json:"related"`
}

type fhirCodeableConcept struct {
	Coding []fhirCoding `json:"coding"`
	Text   string       `json:"text"`
}

type fhirCoding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

type fhirPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type fhirExtension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString"`
}

func decodeBundle(r io.Reader) (*fhirBundle, error) {
	var b fhirBundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *fhirBundle) nextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func projectDocumentReference(r fhirDocumentReference) DocumentReference {
	doc := DocumentReference{
		StudyInstanceUID:       r.MasterIdentifier.Value,
		PatientID:              subjectID(r.Subject.Reference),
		PatientDisplayName:     r.Subject.Display,
		Description:            r.Description,
		ReferringPhysicianName: authorName(r.Author),
	}
	doc.AccessionNumber = accessionNumber(r)
	doc.StudyDate, doc.StudyTime = splitFHIRInstant(r.Date)
	seen := make(map[string]bool)
	for _, event := range r.Context.Event {
		for _, coding := range event.Coding {
			if coding.Code == "" || seen[coding.Code] {
				continue
			}
			seen[coding.Code] = true
			doc.ModalitiesInStudy = append(doc.ModalitiesInStudy, coding.Code)
		}
	}
	return doc
}

func subjectID(reference string) string {
	if i := strings.LastIndex(reference, "/"); i >= 0 {
		return reference[i+1:]
	}
	return reference
}

// unknownAuthorSentinel is the placeholder display some MHD document
// sources stamp on an Author reference whose real identity wasn't
// resolved; it is never a usable referring physician name.
const unknownAuthorSentinel = "Unknown Author"

func authorName(authors []fhirReference) string {
	for _, a := range authors {
		if a.Display == "" || a.Display == unknownAuthorSentinel {
			continue
		}
		return a.Display
	}
	return ""
}

// accessionNumber prefers the accession identifier carried on
// context.related (IHE MHD's usual home for it), falling back to an
// identifier entry whose system names "accession".
func accessionNumber(r fhirDocumentReference) string {
	for _, rel := range r.Context.Related {
		if rel.Identifier != nil && rel.Identifier.Value != "" {
			return rel.Identifier.Value
		}
	}
	for _, id := range r.Identifier {
		if strings.Contains(id.System, "accession") {
			return id.Value
		}
	}
	return ""
}

// splitFHIRInstant converts a FHIR dateTime ("2024-03-05T14:22:00Z") into
// DICOM-format date (YYYYMMDD) and time (HHMMSS) components.
func splitFHIRInstant(instant string) (date, t string) {
	if instant == "" {
		return "", ""
	}
	parts := strings.SplitN(instant, "T", 2)
	date = strings.ReplaceAll(parts[0], "-", "")
	if len(parts) == 2 {
		timePart := parts[1]
		timePart = strings.TrimSuffix(timePart, "Z")
		if i := strings.IndexAny(timePart, "+-"); i > 0 {
			timePart = timePart[:i]
		}
		t = strings.ReplaceAll(timePart, ":", "")
	}
	return date, t
}
