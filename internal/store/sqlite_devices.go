package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/izzyreal/edgeagent/internal/protocol"
)

type DeviceRecord struct {
	DeviceIP    string
	Status      string
	Info        protocol.DeviceInfo
	LastSeenUTC time.Time
}

func (s *Store) UpsertHeartbeat(deviceIP, status string, info protocol.DeviceInfo, now time.Time) error {
	deviceIP = strings.TrimSpace(deviceIP)
	if deviceIP == "" {
		return fmt.Errorf("device ip is required")
	}
	if strings.TrimSpace(status) == "" {
		status = protocol.DeviceStatusOnline
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal device info: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO device_heartbeats (device_ip, status, device_info_json, last_seen_utc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_ip) DO UPDATE SET
			status = excluded.status,
			device_info_json = excluded.device_info_json,
			last_seen_utc = excluded.last_seen_utc
	`, deviceIP, status, string(infoJSON), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// TouchDevice refreshes last-seen for a polling device without replacing the
// info reported by its last heartbeat.
func (s *Store) TouchDevice(deviceIP string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO device_heartbeats (device_ip, status, last_seen_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(device_ip) DO UPDATE SET
			status = excluded.status,
			last_seen_utc = excluded.last_seen_utc
	`, strings.TrimSpace(deviceIP), protocol.DeviceStatusOnline, formatTime(now))
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (s *Store) ListDevices() ([]DeviceRecord, error) {
	rows, err := s.db.Query(`
		SELECT device_ip, status, device_info_json, last_seen_utc
		FROM device_heartbeats
		ORDER BY last_seen_utc DESC, device_ip ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []DeviceRecord{}
	for rows.Next() {
		var (
			rec              DeviceRecord
			infoJSON, seenAt string
		)
		if err := rows.Scan(&rec.DeviceIP, &rec.Status, &infoJSON, &seenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		_ = json.Unmarshal([]byte(infoJSON), &rec.Info)
		rec.LastSeenUTC = parseTime(seenAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
