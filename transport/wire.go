package transport

import (
	"encoding/json"
	"fmt"

	"github.com/ts4z/feedsync/model"
)

const (
	commandEstablish = "establishConnectionRequest"
	commandPing      = "ping"

	notificationHandshake = "deviceHandshakeSuccess"
	notificationPong      = "pong"
	notificationError     = "error"
)

type outbound struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}

type establishData struct {
	Drives    []model.DriveScope `json:"drives"`
	RefID     string             `json:"refId"`
	BatchSize int                `json:"batchSize,omitempty"`
}

type processInboxData struct {
	TargetDrive model.DriveScope `json:"targetDrive"`
	BatchSize   int              `json:"batchSize"`
}

type inbound struct {
	NotificationType string          `json:"notificationType"`
	Data             json.RawMessage `json:"data"`
}

type wireHeader struct {
	FileID          string           `json:"fileId"`
	GlobalTransitID string           `json:"globalTransitId"`
	TargetDrive     model.DriveScope `json:"targetDrive"`
	FileType        int              `json:"fileType"`
	VersionTag      string           `json:"versionTag"`
	Channel         string           `json:"channelId"`
}

type wireFileEvent struct {
	Header wireHeader `json:"header"`
}

type wireDriveEvent struct {
	TargetDrive model.DriveScope `json:"targetDrive"`
	FileID      string           `json:"fileId"`
	Sender      string           `json:"sender"`
	Emoji       string           `json:"emoji"`
}

type wireSenderEvent struct {
	Sender string `json:"sender"`
}

// control is what decode returns for frames that aren't events.
type control int

const (
	notControl control = iota
	controlHandshake
	controlPong
	controlError
)

// decode turns one frame into an event.  This is the only place wire
// payloads are looked at; everything past it gets a typed event.
func decode(frame []byte) (model.NotificationEvent, control, error) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, notControl, fmt.Errorf("can't decode frame: %w", err)
	}

	typ := model.EventType(in.NotificationType)
	switch in.NotificationType {
	case notificationHandshake:
		return nil, controlHandshake, nil
	case notificationPong:
		return nil, controlPong, nil
	case notificationError:
		return nil, controlError, fmt.Errorf("node reported error: %s", string(in.Data))
	}

	switch typ {
	case model.EventFileAdded, model.EventFileModified, model.EventFileDeleted:
		var fe wireFileEvent
		if err := json.Unmarshal(in.Data, &fe); err != nil {
			return nil, notControl, fmt.Errorf("can't decode %s: %w", typ, err)
		}
		h := model.FileHeader{
			FileID:          fe.Header.FileID,
			GlobalTransitID: fe.Header.GlobalTransitID,
			Drive:           fe.Header.TargetDrive,
			FileType:        fe.Header.FileType,
			VersionTag:      fe.Header.VersionTag,
			Channel:         fe.Header.Channel,
		}
		switch typ {
		case model.EventFileAdded:
			return model.FileAdded{Header: h}, notControl, nil
		case model.EventFileModified:
			return model.FileModified{Header: h}, notControl, nil
		default:
			return model.FileDeleted{Header: h}, notControl, nil
		}

	case model.EventInboxItemReceived, model.EventStatisticsChanged,
		model.EventReactionContentAdded, model.EventReactionContentDeleted:
		var de wireDriveEvent
		if err := json.Unmarshal(in.Data, &de); err != nil {
			return nil, notControl, fmt.Errorf("can't decode %s: %w", typ, err)
		}
		switch typ {
		case model.EventInboxItemReceived:
			return model.InboxItemReceived{Drive: de.TargetDrive, Sender: de.Sender}, notControl, nil
		case model.EventStatisticsChanged:
			return model.StatisticsChanged{Drive: de.TargetDrive, FileID: de.FileID}, notControl, nil
		default:
			return model.ReactionChanged{
				Deleted: typ == model.EventReactionContentDeleted,
				Drive:   de.TargetDrive,
				FileID:  de.FileID,
				Emoji:   de.Emoji,
				Sender:  de.Sender,
			}, notControl, nil
		}

	case model.EventNewFollower, model.EventConnectionRequestReceived, model.EventConnectionRequestAccepted:
		var se wireSenderEvent
		if err := json.Unmarshal(in.Data, &se); err != nil {
			return nil, notControl, fmt.Errorf("can't decode %s: %w", typ, err)
		}
		return model.ConnectionEvent{Kind: typ, Sender: se.Sender}, notControl, nil
	}

	return model.Unknown{Name: typ, Payload: in.Data}, notControl, nil
}

// EncodeEvent is the inverse of decode for the event types a node sends.
// Test servers and the fake node use it.
func EncodeEvent(ev model.NotificationEvent) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case model.FileAdded:
		data = fileEventData(e.Header)
	case model.FileModified:
		data = fileEventData(e.Header)
	case model.FileDeleted:
		data = fileEventData(e.Header)
	case model.InboxItemReceived:
		data = wireDriveEvent{TargetDrive: e.Drive, Sender: e.Sender}
	case model.StatisticsChanged:
		data = wireDriveEvent{TargetDrive: e.Drive, FileID: e.FileID}
	case model.ReactionChanged:
		data = wireDriveEvent{TargetDrive: e.Drive, FileID: e.FileID, Emoji: e.Emoji, Sender: e.Sender}
	case model.ConnectionEvent:
		data = wireSenderEvent{Sender: e.Sender}
	case model.Unknown:
		data = e.Payload
	default:
		return nil, fmt.Errorf("can't encode %T", ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inbound{NotificationType: string(ev.Type()), Data: raw})
}

func fileEventData(h model.FileHeader) wireFileEvent {
	return wireFileEvent{Header: wireHeader{
		FileID:          h.FileID,
		GlobalTransitID: h.GlobalTransitID,
		TargetDrive:     h.Drive,
		FileType:        h.FileType,
		VersionTag:      h.VersionTag,
		Channel:         h.Channel,
	}}
}
