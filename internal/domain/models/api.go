package models

// Requests for the snapshot API.

type PredictionsRequest struct {
	Limit int    `query:"limit" json:"limit" default:"50" validate:"gte=1,lte=500"`
	Slug  string `query:"slug" json:"slug" validate:"omitempty,max=128"`
	State string `query:"state" json:"state" default:"all" validate:"oneof=all open settled"`
}

type FeedsResumeRequest struct {
	Feed string `query:"feed" json:"feed" default:"all" validate:"oneof=all spot oracle book"`
}
