package parquet

import (
	"io"
	"time"

	pq "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/normalizer"
)

// Row is the parquet layout of a normalized record.
type Row struct {
	Fingerprint  string            `parquet:"name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"`
	JobID        string            `parquet:"name=harvest_job_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CredentialID string            `parquet:"name=credential_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Institution  *string           `parquet:"name=institution_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Namespace    *string           `parquet:"name=namespace, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ReportID     string            `parquet:"name=report_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Release      string            `parquet:"name=release, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Month        string            `parquet:"name=month, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Date         int64             `parquet:"name=date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Title        *string           `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Database     *string           `parquet:"name=database, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Platform     string            `parquet:"name=platform, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Publisher    *string           `parquet:"name=publisher, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ItemIDs      map[string]string `parquet:"name=item_ids, type=MAP, convertedtype=MAP, keytype=BYTE_ARRAY, keyconvertedtype=UTF8, valuetype=BYTE_ARRAY, valueconvertedtype=UTF8"`
	DataType     *string           `parquet:"name=data_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SectionType  *string           `parquet:"name=section_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	YOP          *string           `parquet:"name=yop, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	AccessType   *string           `parquet:"name=access_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	AccessMethod *string           `parquet:"name=access_method, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	MetricType   string            `parquet:"name=metric_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Count        int64             `parquet:"name=count, type=INT64"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func NewRow(r normalizer.Record) Row {
	return Row{
		Fingerprint:  r.Fingerprint,
		JobID:        r.JobID,
		CredentialID: r.CredentialID,
		Institution:  optional(r.InstitutionID),
		Namespace:    optional(r.Namespace),
		ReportID:     r.ReportID,
		Release:      r.Release,
		Month:        r.Month,
		Date:         r.Date.UnixMilli(),
		Title:        optional(r.Title),
		Database:     optional(r.Database),
		Platform:     r.Platform,
		Publisher:    optional(r.Publisher),
		ItemIDs:      r.ItemIDs,
		DataType:     optional(r.DataType),
		SectionType:  optional(r.SectionType),
		YOP:          optional(r.YOP),
		AccessType:   optional(r.AccessType),
		AccessMethod: optional(r.AccessMethod),
		MetricType:   r.MetricType,
		Count:        r.Count,
	}
}

// Time returns the date column as UTC.
func (r Row) Time() time.Time {
	return time.UnixMilli(r.Date).UTC()
}

type Option func(*Exporter)

func WithRowGroupSize(n int64) Option {
	return func(e *Exporter) {
		e.rowGroupSize = n
	}
}

// Exporter writes the records of a job as one snappy compressed parquet file.
type Exporter struct {
	rowGroupSize int64
}

func New(opts ...Option) *Exporter {
	e := &Exporter{
		rowGroupSize: 128 * 1024 * 1024,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Exporter) Extension() string {
	return "parquet"
}

func (e *Exporter) Export(w io.Writer, records []normalizer.Record) error {
	pw, err := writer.NewParquetWriterFromWriter(w, new(Row), 1)
	if err != nil {
		return err
	}
	pw.RowGroupSize = e.rowGroupSize
	pw.CompressionType = pq.CompressionCodec_SNAPPY

	for _, r := range records {
		if err := pw.Write(NewRow(r)); err != nil {
			_ = pw.WriteStop()
			return err
		}
	}
	return pw.WriteStop()
}
