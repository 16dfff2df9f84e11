package models

import "time"

// Usage is an immutable audit row for one metered API call.
// Token is the raw bearer value, kept denormalized for audit.
type Usage struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	TokenID      *string   `json:"token_id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"status_code"`
	ResponseTime float64   `json:"response_time"`
	Timestamp    time.Time `json:"timestamp"`
}

// EndpointCost is one group of the per-endpoint cost breakdown.
type EndpointCost struct {
	Endpoint        string  `json:"endpoint"`
	CallCount       int64   `json:"total_calls"`
	AvgResponseTime float64 `json:"avg_response_time"`
	TotalCost       float64 `json:"total_cost"`
}

// UserCost is a per-user cost summary for administrators.
type UserCost struct {
	UserID    string  `json:"user_id"`
	Email     string  `json:"email"`
	Username  string  `json:"username"`
	TotalCost float64 `json:"total_cost"`
}
