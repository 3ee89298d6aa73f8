package content

import "github.com/tfkr-ae/snag/domain"

// Inspection holds every representation derived from one record.
// Response fields are nil while the record has no response.
type Inspection struct {
	Overview        Overview
	Curl            CommandLine
	Query           KeyValue
	RequestHeaders  KeyValue
	RequestBody     Representation
	ResponseHeaders *KeyValue
	ResponseBody    Representation
}

// Inspect classifies the bodies of record and builds its derived forms.
// Log records produce an empty Inspection.
func Inspect(record *domain.CaptureRecord) Inspection {
	if record.Direction == domain.DirectionLog {
		return Inspection{}
	}

	req := record.Request
	inspection := Inspection{
		Overview:       NewOverview(record),
		Curl:           Curl(req),
		Query:          QueryKeyValue(req.URL),
		RequestHeaders: HeadersKeyValue(req.Headers),
		RequestBody:    Classify(req.Body, req.Headers.Get("Content-Type"), Context{URL: req.URL}),
	}

	if res := record.Response; res != nil {
		headers := HeadersKeyValue(res.Headers)
		inspection.ResponseHeaders = &headers
		inspection.ResponseBody = Classify(res.Body, res.Headers.Get("Content-Type"), Context{URL: req.URL})
	}
	return inspection
}

// All returns the non-nil representations of the inspection in display order.
func (i Inspection) All() []Representation {
	reps := []Representation{i.Overview, i.Curl, i.Query, i.RequestHeaders}
	if i.RequestBody != nil {
		reps = append(reps, i.RequestBody)
	}
	if i.ResponseHeaders != nil {
		reps = append(reps, *i.ResponseHeaders)
	}
	if i.ResponseBody != nil {
		reps = append(reps, i.ResponseBody)
	}
	return reps
}
