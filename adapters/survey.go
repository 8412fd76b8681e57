package adapters

import (
	"encoding/json"
	"time"

	"github.com/dataswift/hatsync/resource"
)

const (
	SurveyType = "financialManagement"
	SurveyTTL  = 24 * time.Hour
)

// Survey is the adapter for the financial management answers. The HAT keeps
// every submission; reads take the latest one.
type Survey struct {
	endpoint
	singleton
	now func() time.Time
}

var (
	_ resource.Adapter   = (*Survey)(nil)
	_ resource.Singleton = (*Survey)(nil)
	_ resource.Preparer  = (*Survey)(nil)
)

func NewSurvey(remote Remote, now func() time.Time) *Survey {
	if now == nil {
		now = time.Now
	}
	return &Survey{
		endpoint: endpoint{
			remote:    remote,
			typ:       SurveyType,
			namespace: "rumpel",
			name:      "financialManagementAnswers",
			ttl:       SurveyTTL,
			query:     map[string]string{"take": "1", "orderBy": "unixTimeStamp", "ordering": "descending"},
		},
		singleton: singleton{ref: SurveyType},
		now:       now,
	}
}

// PrepareWrite stamps the submission time
func (s *Survey) PrepareWrite(_ bool, data json.RawMessage) (json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = make(map[string]json.RawMessage)
	}
	ts, _ := json.Marshal(s.now().Unix())
	body["unixTimeStamp"] = ts
	return json.Marshal(body)
}
