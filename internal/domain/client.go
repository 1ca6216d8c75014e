package domain

import "time"

// ClientInfo describes one relay client connected to the collector.
type ClientInfo struct {
	// ID is assigned by the collector on accept.
	ID string `json:"id"`

	// AppName and Platform come from the client's connection message and
	// are empty until it arrives.
	AppName  string `json:"appName,omitempty"`
	Platform string `json:"platform,omitempty"`

	// IP is the remote address without port.
	IP string `json:"ip,omitempty"`

	ConnectedAt time.Time `json:"connectedAt"`

	// LastSeenAt is when the last message arrived.
	LastSeenAt time.Time `json:"lastSeenAt"`

	// Counts holds received messages by envelope type.
	Counts map[string]int `json:"counts,omitempty"`
}

// Clone returns a copy that shares no maps with c.
func (c ClientInfo) Clone() ClientInfo {
	out := c
	if c.Counts != nil {
		out.Counts = make(map[string]int, len(c.Counts))
		for k, v := range c.Counts {
			out.Counts[k] = v
		}
	}
	return out
}

// Total returns the number of messages received from the client.
func (c ClientInfo) Total() int {
	n := 0
	for _, v := range c.Counts {
		n += v
	}
	return n
}
