package sushi

// COUNTER 5 wire format.

type Identifier struct {
	Type  string `json:"Type"`
	Value string `json:"Value"`
}

type NameValue struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type Header5 struct {
	Created          string       `json:"Created"`
	CreatedBy        string       `json:"Created_By"`
	CustomerID       string       `json:"Customer_ID"`
	ReportID         string       `json:"Report_ID"`
	Release          string       `json:"Release"`
	ReportName       string       `json:"Report_Name"`
	InstitutionName  string       `json:"Institution_Name"`
	InstitutionID    []Identifier `json:"Institution_ID"`
	ReportFilters    []NameValue  `json:"Report_Filters"`
	ReportAttributes []NameValue  `json:"Report_Attributes"`
	Exceptions       []Exception  `json:"Exceptions"`
}

type Instance struct {
	MetricType string `json:"Metric_Type"`
	Count      int64  `json:"Count"`
}

type Performance5 struct {
	Period struct {
		BeginDate string `json:"Begin_Date"`
		EndDate   string `json:"End_Date"`
	} `json:"Period"`
	Instance []Instance `json:"Instance"`
}

type Item5 struct {
	Title       string       `json:"Title"`
	Item        string       `json:"Item"`
	Database    string       `json:"Database"`
	ItemID      []Identifier `json:"Item_ID"`
	Platform    string       `json:"Platform"`
	Publisher   string       `json:"Publisher"`
	PublisherID []Identifier `json:"Publisher_ID"`

	DataType     string `json:"Data_Type"`
	SectionType  string `json:"Section_Type"`
	YOP          string `json:"YOP"`
	AccessType   string `json:"Access_Type"`
	AccessMethod string `json:"Access_Method"`

	Performance []Performance5 `json:"Performance"`
}

type Report5 struct {
	Header Header5 `json:"Report_Header"`
	Items  []Item5 `json:"Report_Items"`
}

// COUNTER 5.1 wire format. Identifiers are objects whose values are either a
// string or a list of strings.

type Identifiers map[string]any

type Header51 struct {
	Created          string         `json:"Created"`
	CreatedBy        string         `json:"Created_By"`
	CustomerID       string         `json:"Customer_ID"`
	ReportID         string         `json:"Report_ID"`
	Release          string         `json:"Release"`
	ReportName       string         `json:"Report_Name"`
	InstitutionName  string         `json:"Institution_Name"`
	InstitutionID    Identifiers    `json:"Institution_ID"`
	ReportFilters    map[string]any `json:"Report_Filters"`
	ReportAttributes map[string]any `json:"Report_Attributes"`
	RegistryRecord   string         `json:"Registry_Record"`
	Exceptions       []Exception    `json:"Exceptions"`
}

// AttributePerformance51 holds counts per metric type, then per YYYY-MM month.
type AttributePerformance51 struct {
	DataType     string                      `json:"Data_Type"`
	SectionType  string                      `json:"Section_Type"`
	YOP          string                      `json:"YOP"`
	AccessType   string                      `json:"Access_Type"`
	AccessMethod string                      `json:"Access_Method"`
	Performance  map[string]map[string]int64 `json:"Performance"`
}

type Item51 struct {
	Title       string      `json:"Title"`
	Item        string      `json:"Item"`
	Database    string      `json:"Database"`
	ItemID      Identifiers `json:"Item_ID"`
	Platform    string      `json:"Platform"`
	Publisher   string      `json:"Publisher"`
	PublisherID Identifiers `json:"Publisher_ID"`

	AttributePerformance []AttributePerformance51 `json:"Attribute_Performance"`

	// Items is used by item reports that group components under a parent.
	Items []Item51 `json:"Items"`
}

type Report51 struct {
	Header Header51 `json:"Report_Header"`
	Items  []Item51 `json:"Report_Items"`
}
