// Package models holds the data entities shared across the gateway's
// components: the study/series/instance tree produced by the manifest
// parser and served out of the metadata cache, and the bookkeeping types the C-MOVE pipeline uses to
// group and report on outbound transfers.
package models

import "time"

// StudyMetadata is the root of the tree parsed from a MADO manifest, or
// projected from a DocumentReference search result (in which case Series
// is empty until the manifest itself is fetched).
type StudyMetadata struct {
	StudyInstanceUID string

	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	StudyDate              string
	StudyTime              string
	StudyID                string
	StudyDescription       string
	AccessionNumber        string
	ReferringPhysicianName string

	// ModalitiesInStudy holds the distinct, non-empty series modalities,
	// in first-seen order. Serialize with JoinModalities.
	ModalitiesInStudy []string

	StudyRelatedSeriesCount    int
	StudyRelatedInstancesCount int

	RetrieveURL string

	Series []*SeriesMetadata

	FetchedAt time.Time
}

// SeriesMetadata is one series inside a StudyMetadata.
type SeriesMetadata struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	RetrieveURL       string
	RetrieveLocationUID string

	Instances []*InstanceMetadata
}

// InstanceMetadata is one SOP instance inside a SeriesMetadata.
type InstanceMetadata struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    string
	NumberOfFrames    int
	Rows              int
	Columns           int
	RetrieveURL       string
}

// AssociationKey groups instances that must travel over a single outbound
// DIMSE association: one per (series, SOP class) pair.
type AssociationKey struct {
	SeriesInstanceUID string
	SOPClassUID       string
}

// CMoveResult is the terminal outcome of a C-MOVE request.
type CMoveResult struct {
	Success           bool
	TotalInstances    int
	CompletedInstances int
	FailedInstances   int
	ErrorMessage      string
	Warnings          []string
}
