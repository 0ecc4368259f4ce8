package models

type CreateAttemptRequest struct {
	RecipientEmail string `json:"recipientEmail" binding:"required"`
	EmailTemplate  string `json:"emailTemplate" binding:"required"`
	CreatedBy      string `json:"createdBy"`
}

type UpdateAttemptRequest struct {
	Status string `json:"status" binding:"required"`
}

type AttemptPage struct {
	Attempts   []*Attempt `json:"attempts"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	TotalPages int        `json:"totalPages"`
}
