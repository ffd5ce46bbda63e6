package models

import "time"

// StatusMessage is a sensor health report (the "system_stats" frame).
// Metric fields are nil when the sensor reported them as "N/A" or omitted them.
type StatusMessage struct {
	SerialNumber string   `json:"serial_number"`
	Position     Position `json:"position"`

	CPUUsage        *float64 `json:"cpu_usage,omitempty"`
	MemoryTotal     *float64 `json:"memory_total,omitempty"`
	MemoryAvailable *float64 `json:"memory_available,omitempty"`
	DiskTotal       *float64 `json:"disk_total,omitempty"`
	DiskUsed        *float64 `json:"disk_used,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Uptime          *float64 `json:"uptime,omitempty"`
	PlutoTemp       *float64 `json:"pluto_temp,omitempty"`
	ZynqTemp        *float64 `json:"zynq_temp,omitempty"`

	Track float64 `json:"track,omitempty"`
	Speed float64 `json:"speed,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
