package normalizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/sushi"
)

func payload(t *testing.T, name string) *sushi.RawPayload {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("..", "counter", "testdata", name))
	require.NoError(t, err)
	doc, err := counter.Decode(body)
	require.NoError(t, err)
	return &sushi.RawPayload{Body: body, Decoded: doc}
}

var credential = sushi.Credential{
	ID:              "cred-1",
	InstitutionID:   "inst-1",
	InstitutionName: "Université Exemple",
	EndpointID:      "endpoint-1",
	Namespace:       "univ-exemple",
}

func TestNormalize5(t *testing.T) {
	records, err := Normalize(Input{
		Payload:    payload(t, "tr_5.json"),
		ReportID:   "TR",
		Version:    counter.Version5,
		Credential: credential,
		JobID:      "job-1",
		IngestedAt: time.Date(2024, time.April, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, records, 4)

	var total int64
	for _, r := range records {
		assert.Equal(t, "2024-03", r.Month)
		assert.Equal(t, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), r.Date)
		assert.Equal(t, "tr", r.ReportID)
		assert.Equal(t, "cred-1", r.CredentialID)
		assert.Equal(t, "job-1", r.JobID)
		assert.Equal(t, "cust-42", r.CustomerID)
		assert.Equal(t, "ExamplePlatform", r.Platform)
		assert.Len(t, r.Fingerprint, 64)
		total += r.Count
	}
	assert.Equal(t, int64(42+17+11+5), total)

	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].Fingerprint, records[i].Fingerprint)
	}

	var journal Record
	for _, r := range records {
		if r.MetricType == "Unique_Item_Requests" {
			journal = r
		}
	}
	assert.Equal(t, "Journal of Examples", journal.Title)
	assert.Equal(t, "1234-5678", journal.ItemIDs["Print_ISSN"])
	assert.Equal(t, "Article", journal.SectionType)
	assert.Equal(t, "Proprietary:EX:pub", journal.PublisherID)
	assert.Equal(t, int64(11), journal.Count)
}

func TestNormalize51(t *testing.T) {
	records, err := Normalize(Input{
		Payload:    payload(t, "tr_51.json"),
		ReportID:   "tr",
		Version:    counter.Version51,
		Credential: credential,
		JobID:      "job-2",
	})
	require.NoError(t, err)
	require.Len(t, records, 3)

	months := map[string]int64{}
	for _, r := range records {
		months[r.MetricType+"/"+r.Month] = r.Count
		assert.Equal(t, "Journal", r.DataType)
		assert.Equal(t, "2021", r.YOP)
		assert.Equal(t, "8765-4321", r.ItemIDs["Online_ISSN"])
		assert.Equal(t, "5.1", r.Release)
	}
	assert.Equal(t, map[string]int64{
		"Total_Item_Investigations/2024-02": 30,
		"Total_Item_Investigations/2024-03": 42,
		"Unique_Item_Requests/2024-03":      11,
	}, months)
}

func TestNormalize51NestedItems(t *testing.T) {
	body := []byte(`{
		"Report_Header": {"Report_ID": "IR", "Release": "5.1"},
		"Report_Items": [{
			"Platform": "P",
			"Publisher": "Pub",
			"Items": [
				{"Item": "Chapter 1", "Item_ID": {"DOI": "10.1/a"}, "Attribute_Performance": [{"Performance": {"Total_Item_Requests": {"2024-03": 2}}}]},
				{"Item": "Chapter 2", "Item_ID": {"DOI": ["10.1/b", "10.1/c"]}, "Attribute_Performance": [{"Performance": {"Total_Item_Requests": {"2024-03": 3}}}]}
			]
		}]
	}`)
	doc, err := counter.Decode(body)
	require.NoError(t, err)

	records, err := Normalize(Input{
		Payload:    &sushi.RawPayload{Body: body, Decoded: doc},
		ReportID:   "ir",
		Version:    counter.Version51,
		Credential: credential,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "P", r.Platform)
		assert.Equal(t, "Pub", r.Publisher)
	}

	ids := []string{records[0].ItemIDs["DOI"], records[1].ItemIDs["DOI"]}
	assert.ElementsMatch(t, []string{"10.1/a", "10.1/b|10.1/c"}, ids)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	in := Input{
		Payload:    payload(t, "tr_5.json"),
		ReportID:   "tr",
		Version:    counter.Version5,
		Credential: credential,
		JobID:      "job-1",
		IngestedAt: time.Date(2024, time.April, 3, 0, 0, 0, 0, time.UTC),
	}
	first, err := Normalize(in)
	require.NoError(t, err)

	// A retry runs under another job at another time.
	in.JobID = "job-1-retry"
	in.IngestedAt = in.IngestedAt.Add(6 * time.Hour)
	second, err := Normalize(in)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Fingerprint, second[i].Fingerprint)
		assert.Equal(t, first[i].Count, second[i].Count)
	}
}

func TestNormalizeMergesDuplicateRows(t *testing.T) {
	body := []byte(`{
		"Report_Header": {"Report_ID": "PR", "Release": "5"},
		"Report_Items": [
			{"Platform": "P", "Data_Type": "Journal", "Performance": [{"Period": {"Begin_Date": "2024-03-01", "End_Date": "2024-03-31"}, "Instance": [{"Metric_Type": "Searches_Platform", "Count": 4}]}]},
			{"Platform": "P", "Data_Type": "Journal", "Performance": [{"Period": {"Begin_Date": "2024-03-01", "End_Date": "2024-03-31"}, "Instance": [{"Metric_Type": "Searches_Platform", "Count": 6}]}]}
		]
	}`)
	doc, err := counter.Decode(body)
	require.NoError(t, err)

	records, err := Normalize(Input{
		Payload:    &sushi.RawPayload{Body: body, Decoded: doc},
		ReportID:   "pr",
		Version:    counter.Version5,
		Credential: credential,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].Count)
}

func TestNormalizeNoUsage(t *testing.T) {
	records, err := Normalize(Input{
		Payload:  &sushi.RawPayload{Body: []byte(`{"Code":3030}`), NoUsage: true},
		ReportID: "tr",
		Version:  counter.Version5,
	})
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = Normalize(Input{Payload: payload(t, "no_usage_5.json"), ReportID: "tr", Version: counter.Version5})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNormalizeErrors(t *testing.T) {
	_, err := Normalize(Input{Payload: payload(t, "tr_5.json"), ReportID: "tr", Version: "4"})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	body := []byte(`{"Report_Header": {}, "Report_Items": [{"Performance": [{"Period": {"Begin_Date": "03/2024"}, "Instance": [{"Metric_Type": "x", "Count": 1}]}]}]}`)
	doc, err := counter.Decode(body)
	require.NoError(t, err)
	_, err = Normalize(Input{Payload: &sushi.RawPayload{Body: body, Decoded: doc}, ReportID: "tr", Version: counter.Version5})
	assert.Error(t, err)
}

func TestMemoryWriter(t *testing.T) {
	records, err := Normalize(Input{Payload: payload(t, "tr_5.json"), ReportID: "tr", Version: counter.Version5, Credential: credential})
	require.NoError(t, err)

	w := NewMemoryWriter()
	s, err := w.Write(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, WriteSummary{Inserted: 4}, s)
	assert.NoError(t, s.Err())

	s, err = w.Write(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Updated)
	assert.Equal(t, 4, w.Len())

	w.Reject = func(r Record) error {
		if r.Count == 5 {
			return errors.New("mapping conflict")
		}
		return nil
	}
	s, err = w.Write(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Updated)
	assert.Equal(t, 1, s.Failed)
	assert.ErrorIs(t, s.Err(), ErrPartialWrite)
	assert.Contains(t, s.Err().Error(), "mapping conflict")
}
