package wire

// TicketResponse is the HTTP POST /v1/websocket/ticket response body.
//
// The ticket is a short-lived, single-use credential embedded as a query
// parameter when opening the websocket connection.
type TicketResponse struct {
	// Ticket is the minted connection ticket.
	Ticket string `json:"ticket"`
}

// SessionsResponse is the HTTP GET /v1/sessions response body.
type SessionsResponse struct {
	// Sessions contains every session visible to the caller.
	Sessions []Session `json:"sessions"`
}

// MachinesResponse is the HTTP GET /v1/machines response body.
type MachinesResponse struct {
	// Machines contains every machine visible to the caller.
	Machines []Machine `json:"machines"`
}

// MessagesPageResponse is the HTTP GET /v1/sessions/{id}/messages response
// body.
type MessagesPageResponse struct {
	// Messages contains the requested page, newest first.
	Messages []Message `json:"messages"`
	// HasMore reports whether older messages exist beyond this page.
	HasMore bool `json:"hasMore"`
}
