package model

type Review struct {
	IncidentID string `json:"incident_id"`
	Title      string `json:"title"`
	Summary    string `json:"summary,omitempty"`
	Markdown   string `json:"markdown"`
	// URL is set when the review was exported
	URL string `json:"url,omitempty"`
}
