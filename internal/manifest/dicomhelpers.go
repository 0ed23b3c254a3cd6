package manifest

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// retrieveURLTag is (0008,1190) RetrieveURL, not defined in the vendored
// suyashkumar/dicom tag package version pinned by this module's go.sum.
var retrieveURLTag = tag.Tag{Group: 0x0008, Element: 0x1190}

// findElement locates t among dataset's top-level elements.
func findElement(dataset dicom.Dataset, t tag.Tag) (*dicom.Element, error) {
	return findElementIn(dataset.Elements, t)
}

func findElementIn(elements []*dicom.Element, t tag.Tag) (*dicom.Element, error) {
	for _, e := range elements {
		if e.Tag == t {
			return e, nil
		}
	}
	return nil, fmt.Errorf("manifest: tag %v not present", t)
}

// sequenceItems returns each item's element list inside a sequence-VR
// element. A malformed or non-sequence element yields no items.
func sequenceItems(elem *dicom.Element) [][]*dicom.Element {
	if elem == nil {
		return nil
	}
	raw := elem.Value.GetValue()
	items, ok := raw.([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		out = append(out, item.GetValue().([]*dicom.Element))
	}
	return out
}

// stringsOf best-effort extracts the string values carried by elem,
// regardless of the concrete value representation suyashkumar/dicom used
// to store them.
func stringsOf(elem *dicom.Element) []string {
	if elem == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = fmt.Sprintf("%d", n)
		}
		return out
	default:
		return nil
	}
}

func firstString(dataset dicom.Dataset, t tag.Tag) string {
	return firstStringIn(dataset.Elements, t)
}

func firstStringIn(elements []*dicom.Element, t tag.Tag) string {
	elem, err := findElementIn(elements, t)
	if err != nil {
		return ""
	}
	vals := stringsOf(elem)
	if len(vals) == 0 {
		return ""
	}
	// Patient/series text values may carry halfwidth katakana from a
	// Shift-JIS-derived source system; fold them to their canonical
	// fullwidth form so the same name doesn't cache under two keys.
	// Folding leaves a halfwidth voiced sound mark as a separate
	// combining rune, so the result is recomposed with NFC.
	return norm.NFC.String(width.Fold.String(strings.TrimSpace(vals[0])))
}

// firstIntIn returns t's first value in elements parsed as an integer,
// or 0 if t is absent or not numeric.
func firstIntIn(elements []*dicom.Element, t tag.Tag) int {
	v := firstStringIn(elements, t)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

// conceptCode returns the CodeValue of item's ConceptNameCodeSequence,
// or "" if item has none (e.g. it is not a coded content item).
func conceptCode(item []*dicom.Element) string {
	seq, err := findElementIn(item, tag.ConceptNameCodeSequence)
	if err != nil {
		return ""
	}
	codeItems := sequenceItems(seq)
	if len(codeItems) == 0 {
		return ""
	}
	return firstStringIn(codeItems[0], tag.CodeValue)
}

func conceptScheme(item []*dicom.Element) string {
	seq, err := findElementIn(item, tag.ConceptNameCodeSequence)
	if err != nil {
		return ""
	}
	codeItems := sequenceItems(seq)
	if len(codeItems) == 0 {
		return ""
	}
	return firstStringIn(codeItems[0], tag.CodingSchemeDesignator)
}

func valueType(item []*dicom.Element) string {
	return firstStringIn(item, tag.ValueType)
}

// numValue returns a content item's NUM value (MeasuredValueSequence ->
// NumericValue) if present, else its TEXT value, else "".
func numValue(item []*dicom.Element) string {
	if seq, err := findElementIn(item, tag.MeasuredValueSequence); err == nil {
		items := sequenceItems(seq)
		if len(items) > 0 {
			if v := firstStringIn(items[0], tag.NumericValue); v != "" {
				return v
			}
		}
	}
	return firstStringIn(item, tag.TextValue)
}

// findContainerByCode searches the full content tree (depth-first) for
// the first CONTAINER content item whose concept name matches
// (scheme, code).
func findContainerByCode(elements []*dicom.Element, scheme, code string) []*dicom.Element {
	contentSeq, err := findElementIn(elements, tag.ContentSequence)
	if err != nil {
		return nil
	}
	for _, item := range sequenceItems(contentSeq) {
		if valueType(item) == "CONTAINER" && conceptCode(item) == code && (scheme == "" || conceptScheme(item) == scheme) {
			return item
		}
		if found := findContainerByCode(item, scheme, code); found != nil {
			return found
		}
	}
	return nil
}
