package protocol

import "time"

const DeviceStatusOnline = "online"

type HeartbeatRequest struct {
	DeviceIP   string     `json:"deviceIp"`
	Status     string     `json:"status,omitempty"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type DeviceInfo struct {
	Hostname     string    `json:"hostname,omitempty"`
	OS           string    `json:"os,omitempty"`
	Arch         string    `json:"arch,omitempty"`
	Version      string    `json:"version,omitempty"`
	TimestampUTC time.Time `json:"timestamp_utc"`
}

type HeartbeatResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type DeviceView struct {
	DeviceIP    string     `json:"deviceIp"`
	Status      string     `json:"status"`
	LastSeenUTC time.Time  `json:"last_seen"`
	Online      bool       `json:"online"`
	NeedsUpdate bool       `json:"needs_update,omitempty"`
	DeviceInfo  DeviceInfo `json:"deviceInfo"`
}

type DevicesResponse struct {
	Devices []DeviceView `json:"devices"`
}
