package sushi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/counter"
	"github.com/ezpaarse-project/ezmesure-harvester/pkg/frequency"
)

func march2024() frequency.Period {
	return frequency.Period{
		Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testCredential(baseURL string) Credential {
	return Credential{
		ID:          "cred-1",
		BaseURL:     baseURL,
		Version:     counter.Version5,
		CustomerID:  "cust-42",
		RequestorID: "req-7",
		APIKey:      "s3cr3t",
	}
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "counter", "testdata", name))
	require.NoError(t, err)
	return data
}

func TestFetchReportRequest(t *testing.T) {
	body := fixture(t, "tr_5.json")

	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	cred := testCredential(srv.URL + "/sushi/")
	cred.Params = map[string]string{"attributes_to_show": "Data_Type", "extra": "1"}

	c := NewClient()
	p, err := c.FetchReport(context.Background(), Request{
		Credential: cred,
		ReportID:   "TR",
		Period:     march2024(),
		Params: counter.Parameters{
			"attributes_to_show": "Data_Type|YOP",
			"begin_date":         "1999-01",
		},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/sushi/reports/tr", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "cust-42", q.Get("customer_id"))
	assert.Equal(t, "req-7", q.Get("requestor_id"))
	assert.Equal(t, "s3cr3t", q.Get("api_key"))
	assert.False(t, q.Has("platform"))
	assert.Equal(t, "Data_Type", q.Get("attributes_to_show"))
	assert.Equal(t, "1", q.Get("extra"))
	assert.Equal(t, "2024-03", q.Get("begin_date"))
	assert.Equal(t, "2024-03", q.Get("end_date"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))

	assert.Equal(t, body, p.Body)
	assert.Equal(t, http.StatusOK, p.Status)
	assert.NotNil(t, p.Decoded)
	assert.NotContains(t, p.URL, "s3cr3t")
	assert.NotContains(t, p.URL, "req-7")
	assert.Equal(t, 1, p.Windows)
}

func TestFetchReportVersion51Path(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write(fixture(t, "tr_51.json"))
	}))
	defer srv.Close()

	cred := testCredential(srv.URL)
	cred.Version = counter.Version51

	_, err := NewClient().FetchReport(context.Background(), Request{Credential: cred, ReportID: "tr", Period: march2024()})
	require.NoError(t, err)
	assert.Equal(t, "/r51/reports/tr", path)
}

func TestFetchReportErrors(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		kind       Kind
		code       int
		retryAfter time.Duration
	}{
		{name: "unauthorized", status: 401, body: "nope", kind: KindUnauthorized},
		{name: "forbidden", status: 403, kind: KindUnauthorized},
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "7"}, kind: KindRateLimited, retryAfter: 7 * time.Second},
		{name: "server error", status: 502, body: "bad gateway", kind: KindServerError},
		{name: "bad request", status: 400, body: "what", kind: KindRejected},
		{name: "html body", status: 200, body: "<html>maintenance</html>", kind: KindMalformedResponse},
		{name: "json array", status: 200, body: `[1, 2]`, kind: KindMalformedResponse},
		{
			name:   "exception in error body",
			status: 400,
			body:   `{"Code": 2020, "Severity": "Error", "Message": "API Key Invalid"}`,
			kind:   KindUnauthorized,
			code:   2020,
		},
		{
			name:   "report queued",
			status: 202,
			body:   `{"Code": 1011, "Severity": "Warning", "Message": "Report Queued for Processing"}`,
			kind:   KindNotReady,
			code:   1011,
		},
		{
			name:   "too many requests exception",
			status: 200,
			body:   `[{"Code": 1020, "Severity": "Error", "Message": "Client has made too many requests"}]`,
			kind:   KindRateLimited,
			code:   1020,
		},
		{
			name:   "header exception rejects report",
			status: 200,
			body: `{"Report_Header": {"Report_ID": "TR", "Release": "5", "Exceptions": [
				{"Code": 3000, "Severity": "Error", "Message": "Report Not Supported"}]}}`,
			kind: KindRejected,
			code: 3000,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient().FetchReport(context.Background(), Request{
				Credential: testCredential(srv.URL),
				ReportID:   "tr",
				Period:     march2024(),
			})
			require.Error(t, err)

			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.kind, se.Kind)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, tc.retryAfter, se.RetryAfter)
			assert.NotContains(t, se.URL, "s3cr3t")
		})
	}
}

func TestFetchReportNoUsage(t *testing.T) {
	t.Run("bare exception", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"Code": 3030, "Severity": "Error", "Message": "No Usage Available for Requested Dates"}`))
		}))
		defer srv.Close()

		p, err := NewClient().FetchReport(context.Background(), Request{Credential: testCredential(srv.URL), ReportID: "tr", Period: march2024()})
		require.NoError(t, err)
		assert.True(t, p.NoUsage)
		assert.Nil(t, p.Decoded)
	})

	t.Run("header exception", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(fixture(t, "no_usage_5.json"))
		}))
		defer srv.Close()

		p, err := NewClient().FetchReport(context.Background(), Request{Credential: testCredential(srv.URL), ReportID: "tr", Period: march2024()})
		require.NoError(t, err)
		assert.True(t, p.NoUsage)
		assert.NotNil(t, p.Decoded)
	})
}

func TestFetchReportTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(WithTimeout(50 * time.Millisecond))
	_, err := c.FetchReport(context.Background(), Request{Credential: testCredential(srv.URL), ReportID: "tr", Period: march2024()})
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestFetchReportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient().FetchReport(context.Background(), Request{Credential: testCredential(url), ReportID: "tr", Period: march2024()})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, kind)
	assert.True(t, kind.Transient())
}

func TestFetchReportMalformedCredential(t *testing.T) {
	testCases := []struct {
		name string
		cred Credential
	}{
		{"no customer", Credential{ID: "a", BaseURL: "https://x.org", Version: "5"}},
		{"bad scheme", Credential{ID: "a", BaseURL: "ftp://x.org", Version: "5", CustomerID: "c"}},
		{"bad version", Credential{ID: "a", BaseURL: "https://x.org", Version: "4", CustomerID: "c"}},
		{"no host", Credential{ID: "a", BaseURL: "https://", Version: "5", CustomerID: "c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient().FetchReport(context.Background(), Request{Credential: tc.cred, ReportID: "tr", Period: march2024()})
			require.Error(t, err)
			kind, _ := KindOf(err)
			assert.Equal(t, KindMalformedCredential, kind)
			assert.False(t, kind.Transient())
			assert.ErrorIs(t, err, ErrMalformedCredential)
		})
	}
}

func TestFetchReportWindows(t *testing.T) {
	var mu sync.Mutex
	var ranges [][2]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		ranges = append(ranges, [2]string{q.Get("begin_date"), q.Get("end_date")})
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"Report_Header": map[string]any{"Report_ID": "TR", "Release": "5"},
			"Report_Items": []any{
				map[string]any{"Title": "window " + q.Get("begin_date")},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(WithMonthsPerRequest(2))
	p, err := c.FetchReport(context.Background(), Request{
		Credential: testCredential(srv.URL),
		ReportID:   "tr",
		Period: frequency.Period{
			Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, [][2]string{{"2024-01", "2024-02"}, {"2024-03", "2024-04"}, {"2024-05", "2024-05"}}, ranges)
	assert.Equal(t, 3, p.Windows)

	var merged struct {
		Items []struct {
			Title string `json:"Title"`
		} `json:"Report_Items"`
	}
	require.NoError(t, json.Unmarshal(p.Body, &merged))
	require.Len(t, merged.Items, 3)
	assert.Equal(t, "window 2024-05", merged.Items[2].Title)
}

func TestFetchReportWindowsWithPartialUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("begin_date") == "2024-01" {
			w.Write([]byte(`{"Code": 3030, "Severity": "Error", "Message": "No Usage Available for Requested Dates"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Report_Header": map[string]any{"Report_ID": "TR", "Release": "5"},
			"Report_Items":  []any{map[string]any{"Title": "window " + r.URL.Query().Get("begin_date")}},
		})
	}))
	defer srv.Close()

	period := frequency.Period{
		Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
	p, err := NewClient(WithMonthsPerRequest(1)).FetchReport(context.Background(), Request{
		Credential: testCredential(srv.URL),
		ReportID:   "tr",
		Period:     period,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Windows)
	assert.False(t, p.NoUsage)
	require.NotNil(t, p.Decoded)

	var merged struct {
		Items []struct {
			Title string `json:"Title"`
		} `json:"Report_Items"`
	}
	require.NoError(t, json.Unmarshal(p.Body, &merged))
	assert.Len(t, merged.Items, 2)
}

func TestFetchReportWindowsWithoutUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Code": 3030, "Severity": "Error", "Message": "No Usage Available for Requested Dates"}`))
	}))
	defer srv.Close()

	p, err := NewClient(WithMonthsPerRequest(1)).FetchReport(context.Background(), Request{
		Credential: testCredential(srv.URL),
		ReportID:   "tr",
		Period: frequency.Period{
			Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Windows)
	assert.True(t, p.NoUsage)
}

func TestFetchReportBodyTooLarge(t *testing.T) {
	body := fixture(t, "tr_5.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	req := Request{Credential: testCredential(srv.URL), ReportID: "tr", Period: march2024()}

	_, err := NewClient(WithMaxBodyBytes(int64(len(body)) - 1)).FetchReport(context.Background(), req)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformedResponse, kind)
	assert.Contains(t, err.Error(), fmt.Sprintf("response exceeds %d bytes", len(body)-1))

	// exactly at the limit is accepted
	p, err := NewClient(WithMaxBodyBytes(int64(len(body)))).FetchReport(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, body, p.Body)
}

func TestFetchReportCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := NewClient().FetchReport(ctx, Request{Credential: testCredential(srv.URL), ReportID: "tr", Period: march2024()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
}

func TestMonthWindows(t *testing.T) {
	weekly := frequency.Period{
		Start: time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
	}
	w := monthWindows(weekly, 1)
	require.Len(t, w, 1)
	assert.Equal(t, "2024-03", w[0].begin.Format(monthLayout))
	assert.Equal(t, "2024-03", w[0].end.Format(monthLayout))

	assert.Len(t, monthWindows(march2024(), 0), 1)
}
