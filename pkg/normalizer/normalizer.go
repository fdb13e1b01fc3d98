// Package normalizer flattens COUNTER reports into one record per item,
// attribute set, month and metric.
//
// Normalization is deterministic: the same payload always yields the same
// records, in the same order, with the same fingerprints.
package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

var ErrUnsupportedVersion = errors.New("unsupported COUNTER version")

type Input struct {
	Payload    *sushi.RawPayload
	ReportID   string
	Version    string
	Credential sushi.Credential
	JobID      string
	IngestedAt time.Time
}

// Normalize converts a payload into records sorted by fingerprint. Rows
// sharing a fingerprint are merged and their counts summed.
func Normalize(in Input) ([]Record, error) {
	if in.Payload == nil || in.Payload.Decoded == nil || len(in.Payload.Body) == 0 {
		return nil, nil
	}

	var rows []Record
	var err error
	switch in.Version {
	case counter.Version5:
		rows, err = normalize5(in)
	case counter.Version51:
		rows, err = normalize51(in)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, in.Version)
	}
	if err != nil {
		return nil, err
	}

	return finalize(rows), nil
}

func base(in Input, customerID string) Record {
	c := in.Credential
	return Record{
		JobID:           in.JobID,
		CredentialID:    c.ID,
		InstitutionID:   c.InstitutionID,
		InstitutionName: c.InstitutionName,
		EndpointID:      c.EndpointID,
		Vendor:          c.Vendor,
		Namespace:       c.Namespace,
		IngestedAt:      in.IngestedAt,
		ReportID:        strings.ToLower(in.ReportID),
		Release:         in.Version,
		CustomerID:      customerID,
	}
}

func normalize5(in Input) ([]Record, error) {
	var report sushi.Report5
	if err := json.Unmarshal(in.Payload.Body, &report); err != nil {
		return nil, fmt.Errorf("decode COUNTER 5 report: %w", err)
	}

	var out []Record
	for _, item := range report.Items {
		r := base(in, report.Header.CustomerID)
		r.Title = firstNonEmpty(item.Title, item.Item, item.Database)
		r.Database = item.Database
		r.Platform = item.Platform
		r.Publisher = item.Publisher
		r.ItemIDs = identifiers5(item.ItemID)
		r.PublisherID = joinIdentifiers(identifiers5(item.PublisherID))
		r.DataType = item.DataType
		r.SectionType = item.SectionType
		r.YOP = item.YOP
		r.AccessType = item.AccessType
		r.AccessMethod = item.AccessMethod

		for _, perf := range item.Performance {
			month, date, err := parseMonth(perf.Period.BeginDate)
			if err != nil {
				return nil, err
			}
			for _, inst := range perf.Instance {
				rec := r
				rec.Month = month
				rec.Date = date
				rec.MetricType = inst.MetricType
				rec.Count = inst.Count
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func normalize51(in Input) ([]Record, error) {
	var report sushi.Report51
	if err := json.Unmarshal(in.Payload.Body, &report); err != nil {
		return nil, fmt.Errorf("decode COUNTER 5.1 report: %w", err)
	}

	var out []Record
	var walk func(items []sushi.Item51, parent *sushi.Item51) error
	walk = func(items []sushi.Item51, parent *sushi.Item51) error {
		for i := range items {
			item := items[i]
			if parent != nil {
				item.Platform = firstNonEmpty(item.Platform, parent.Platform)
				item.Publisher = firstNonEmpty(item.Publisher, parent.Publisher)
			}

			r := base(in, report.Header.CustomerID)
			r.Title = firstNonEmpty(item.Title, item.Item, item.Database)
			r.Database = item.Database
			r.Platform = item.Platform
			r.Publisher = item.Publisher
			r.ItemIDs = identifiers51(item.ItemID)
			r.PublisherID = joinIdentifiers(identifiers51(item.PublisherID))

			for _, ap := range item.AttributePerformance {
				attrs := r
				attrs.DataType = ap.DataType
				attrs.SectionType = ap.SectionType
				attrs.YOP = ap.YOP
				attrs.AccessType = ap.AccessType
				attrs.AccessMethod = ap.AccessMethod

				for metric, months := range ap.Performance {
					for m, count := range months {
						month, date, err := parseMonth(m)
						if err != nil {
							return err
						}
						rec := attrs
						rec.Month = month
						rec.Date = date
						rec.MetricType = metric
						rec.Count = count
						out = append(out, rec)
					}
				}
			}

			if len(item.Items) > 0 {
				if err := walk(item.Items, &item); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(report.Items, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// finalize fingerprints, merges duplicates and sorts.
func finalize(rows []Record) []Record {
	byFingerprint := make(map[string]int, len(rows))
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		r.Fingerprint = Fingerprint(r)
		if i, ok := byFingerprint[r.Fingerprint]; ok {
			out[i].Count += r.Count
			continue
		}
		byFingerprint[r.Fingerprint] = len(out)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Fingerprint identifies a record across harvests: credential, report,
// month, metric and item identity. Provenance fields such as the job and the
// ingestion time are not part of it.
func Fingerprint(r Record) string {
	ids := make([]string, 0, len(r.ItemIDs))
	for k, v := range r.ItemIDs {
		ids = append(ids, k+"="+v)
	}
	sort.Strings(ids)

	parts := []string{
		r.CredentialID,
		r.ReportID,
		r.Month,
		r.MetricType,
		r.Title,
		r.Database,
		r.Platform,
		r.Publisher,
		r.PublisherID,
		strings.Join(ids, ";"),
		r.DataType,
		r.SectionType,
		r.YOP,
		r.AccessType,
		r.AccessMethod,
	}

	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func parseMonth(s string) (string, time.Time, error) {
	if len(s) < 7 {
		return "", time.Time{}, fmt.Errorf("invalid period %q", s)
	}
	t, err := time.Parse("2006-01", s[:7])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return s[:7], t, nil
}

func identifiers5(ids []sushi.Identifier) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	grouped := map[string][]string{}
	for _, id := range ids {
		if id.Value == "" {
			continue
		}
		grouped[id.Type] = append(grouped[id.Type], id.Value)
	}
	return joinGroups(grouped)
}

func identifiers51(ids sushi.Identifiers) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	grouped := map[string][]string{}
	for k, v := range ids {
		switch val := v.(type) {
		case string:
			if val != "" {
				grouped[k] = append(grouped[k], val)
			}
		case []any:
			for _, e := range val {
				if s, ok := e.(string); ok && s != "" {
					grouped[k] = append(grouped[k], s)
				}
			}
		}
	}
	return joinGroups(grouped)
}

func joinGroups(grouped map[string][]string) map[string]string {
	if len(grouped) == 0 {
		return nil
	}
	out := make(map[string]string, len(grouped))
	for k, values := range grouped {
		sort.Strings(values)
		out[k] = strings.Join(values, "|")
	}
	return out
}

func joinIdentifiers(ids map[string]string) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ids))
	for k, v := range ids {
		parts = append(parts, k+":"+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
