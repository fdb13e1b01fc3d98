package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is one metric count of one report item for one month.
type Record struct {
	Fingerprint string `json:"fingerprint" bson:"_id"`

	// Provenance
	JobID           string    `json:"harvest_job_id" bson:"harvestJobId"`
	CredentialID    string    `json:"credential_id" bson:"credentialId"`
	InstitutionID   string    `json:"institution_id,omitempty" bson:"institutionId,omitempty"`
	InstitutionName string    `json:"institution_name,omitempty" bson:"institutionName,omitempty"`
	EndpointID      string    `json:"endpoint_id,omitempty" bson:"endpointId,omitempty"`
	Vendor          string    `json:"vendor,omitempty" bson:"vendor,omitempty"`
	Namespace       string    `json:"namespace,omitempty" bson:"namespace,omitempty"`
	IngestedAt      time.Time `json:"ingested_at" bson:"ingestedAt"`

	ReportID   string `json:"report_id" bson:"reportId"`
	Release    string `json:"release" bson:"release"`
	CustomerID string `json:"customer_id,omitempty" bson:"customerId,omitempty"`

	// Period
	Month string    `json:"month" bson:"month"`
	Date  time.Time `json:"date" bson:"date"`

	// Item
	Title       string            `json:"title,omitempty" bson:"Title,omitempty"`
	Database    string            `json:"database,omitempty" bson:"Database,omitempty"`
	Platform    string            `json:"platform" bson:"Platform"`
	Publisher   string            `json:"publisher,omitempty" bson:"Publisher,omitempty"`
	ItemIDs     map[string]string `json:"item_ids,omitempty" bson:"Item_ID,omitempty"`
	PublisherID string            `json:"publisher_id,omitempty" bson:"Publisher_ID,omitempty"`

	// Attributes
	DataType     string `json:"data_type,omitempty" bson:"Data_Type,omitempty"`
	SectionType  string `json:"section_type,omitempty" bson:"Section_Type,omitempty"`
	YOP          string `json:"yop,omitempty" bson:"YOP,omitempty"`
	AccessType   string `json:"access_type,omitempty" bson:"Access_Type,omitempty"`
	AccessMethod string `json:"access_method,omitempty" bson:"Access_Method,omitempty"`

	MetricType string `json:"metric_type" bson:"Metric_Type"`
	Count      int64  `json:"count" bson:"Count"`
}

var ErrPartialWrite = errors.New("some records failed to write")

type RecordError struct {
	Fingerprint string `json:"fingerprint"`
	Message     string `json:"message"`
}

// WriteSummary reports a bulk write record by record.
type WriteSummary struct {
	Inserted int           `json:"inserted"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// Err returns nil when every record was written.
func (s WriteSummary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d of %d records", s.Failed, s.Failed+s.Inserted+s.Updated)
	if len(s.Errors) > 0 {
		msg += ", first: " + s.Errors[0].Message
	}
	return fmt.Errorf("%w: %s", ErrPartialWrite, msg)
}

func (s *WriteSummary) Add(other WriteSummary) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Failed += other.Failed
	s.Errors = append(s.Errors, other.Errors...)
}

// Writer upserts records by fingerprint. Record level failures are reported in
// the summary; the error is reserved for failures of the whole call.
type Writer interface {
	Write(ctx context.Context, records []Record) (WriteSummary, error)
}
