package server

import (
	"caseline/internal/domain"
)

// Request payloads

// LabsRequest carries stage 2 lab results. Ranges are enforced by the engine.
type LabsRequest struct {
	AmyloidRatio float64 `json:"amyloid_ratio" doc:"CSF amyloid beta 42/40 ratio" example:"0.061"`
	PTau217      float64 `json:"ptau217" doc:"Plasma p-tau217 in pg/mL" example:"1.38"`
	NfL          float64 `json:"nfl" doc:"Neurofilament light chain in pg/mL" example:"27.4"`
	APOE4Alleles int     `json:"apoe4_alleles" example:"1"`
	MMSE         int     `json:"mmse" example:"24"`
}

func (r LabsRequest) toDomain() domain.Labs {
	return domain.Labs{
		AmyloidRatio: r.AmyloidRatio,
		PTau217:      r.PTau217,
		NfL:          r.NfL,
		APOE4Alleles: r.APOE4Alleles,
		MMSE:         r.MMSE,
	}
}

type FailJobRequest struct {
	Reason string `json:"reason,omitempty" example:"scanner offline"`
}

// Responses

type VersionResponse struct {
	Version    string  `json:"version"`
	Simulation bool    `json:"simulation"`
	Speed      float64 `json:"speed"`
	BaseDate   string  `json:"base_date"`
}

type CaseListResponse struct {
	Items []domain.Case `json:"items"`
	Count int           `json:"count"`
}

type TimelineResponse struct {
	Items     []domain.TimelineEvent `json:"items"`
	Count     int                    `json:"count"`
	Truncated bool                   `json:"truncated,omitempty"`
}

type ResetResponse struct {
	Status string `json:"status"`
	Cases  int    `json:"cases"`
}
