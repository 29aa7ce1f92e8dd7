package models

// PaginationInfo describes one page of a listing.
type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

// CorrespondenceListResponse is the body of GET /api/v1/correspondence.
type CorrespondenceListResponse struct {
	Records    []*CorrespondenceRecord `json:"records"`
	Pagination PaginationInfo          `json:"pagination"`
}

// CorrespondenceResponse is the body of GET /api/v1/correspondence/{id}.
// Thread is rooted at the first message of the conversation the record belongs to.
type CorrespondenceResponse struct {
	Record *CorrespondenceRecord `json:"record"`
	Thread *ThreadNode           `json:"thread"`
}

// NotificationRequest is the body of POST /api/v1/notifications.
type NotificationRequest struct {
	Kind           string  `json:"kind"`
	ResearcherName string  `json:"researcher_name"`
	ProjectTitle   string  `json:"project_title"`
	ProjectID      *string `json:"project_id"`
	Recipient      string  `json:"recipient"`
	DaysRemaining  int     `json:"days_remaining"`
	ReportType     string  `json:"report_type"`
}

// SyncResponse is the body of POST /api/v1/sync.
type SyncResponse struct {
	Processed int `json:"processed"`
}
