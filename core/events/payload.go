package events

import "encoding/json"

// Device command verbs understood by the microcontroller firmware.
const (
	CommandSetState = "SET_STATE"
	ModeSchedule    = "SCHEDULE"
)

// DeviceCommandPayload is the data section of a device_command request.
type DeviceCommandPayload struct {
	CommandID    string `json:"command_id"`
	DeviceID     int64  `json:"device_id"`
	DeviceUUID   string `json:"device_uuid"`
	DeviceNumber int    `json:"device_number"`
	Command      string `json:"command"`
	Mode         string `json:"mode"`
	IsOn         bool   `json:"is_on"`
}

// AckPayload is the data section of a device_command acknowledgement.
type AckPayload struct {
	Ack AckBody `json:"ack"`
}

// AckBody carries the microcontroller's reply: whether it accepted the
// command and the pin state it settled on. IsOn stays nil when the firmware
// could not report a state.
type AckBody struct {
	CommandID string `json:"command_id"`
	DeviceID  int64  `json:"device_id"`
	OK        bool   `json:"ok"`
	IsOn      *bool  `json:"is_on"`
}

// DecodeAck extracts the ack body from a reply envelope. The second return
// value is false when the envelope does not carry an ack section.
func DecodeAck(env Envelope) (AckBody, bool) {
	var p AckPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return AckBody{}, false
	}
	if p.Ack.CommandID == "" && p.Ack.DeviceID == 0 {
		return AckBody{}, false
	}
	return p.Ack, true
}
