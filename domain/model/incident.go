package model

import "github.com/pyama86/siren/domain/entity"

type IncidentView struct {
	Incident entity.Incident          `json:"incident"`
	Events   []entity.EscalationEvent `json:"events"`
}

type DispatchStats struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Lost      int `json:"lost"`
}

func (s *DispatchStats) Add(o DispatchStats) {
	s.Recovered += o.Recovered
	s.Claimed += o.Claimed
	s.Sent += o.Sent
	s.Retried += o.Retried
	s.Failed += o.Failed
	s.Cancelled += o.Cancelled
	s.Lost += o.Lost
}
