package metadatacache

import "strings"

// ParseDateRange splits a DICOM date-range string into FHIR-bound
// dateFrom/dateTo components. Accepted forms per spec.md §4.B: a single
// "YYYYMMDD", "FROM-" (open upper bound), "-TO" (open lower bound), or
// "FROM-TO".
func ParseDateRange(value string) (dateFrom, dateTo string) {
	if value == "" {
		return "", ""
	}
	if !strings.Contains(value, "-") {
		return value, value
	}
	parts := strings.SplitN(value, "-", 2)
	return parts[0], parts[1]
}
