package model

import "encoding/json"

// EventType is the wire name of a push notification.
type EventType string

const (
	EventFileAdded                 EventType = "fileAdded"
	EventFileModified              EventType = "fileModified"
	EventFileDeleted               EventType = "fileDeleted"
	EventInboxItemReceived         EventType = "inboxItemReceived"
	EventStatisticsChanged         EventType = "statisticsChanged"
	EventReactionContentAdded      EventType = "reactionContentAdded"
	EventReactionContentDeleted    EventType = "reactionContentDeleted"
	EventNewFollower               EventType = "newFollower"
	EventConnectionRequestReceived EventType = "connectionRequestReceived"
	EventConnectionRequestAccepted EventType = "connectionRequestAccepted"
)

// NotificationEvent is a push notification, decoded once at the transport
// boundary into one of the concrete types below.
type NotificationEvent interface {
	Type() EventType
	Scope() DriveScope
}

// FileHeader is the part of a file event that the cache cares about.
type FileHeader struct {
	FileID          string     `json:"fileId"`
	GlobalTransitID string     `json:"globalTransitId,omitempty"`
	Drive           DriveScope `json:"targetDrive"`
	FileType        int        `json:"fileType"`
	VersionTag      string     `json:"versionTag,omitempty"`
	// Channel is set when the file is a post in a channel drive.
	Channel string `json:"channel,omitempty"`
}

type FileAdded struct{ Header FileHeader }
type FileModified struct{ Header FileHeader }
type FileDeleted struct{ Header FileHeader }

func (FileAdded) Type() EventType        { return EventFileAdded }
func (e FileAdded) Scope() DriveScope    { return e.Header.Drive }
func (FileModified) Type() EventType     { return EventFileModified }
func (e FileModified) Scope() DriveScope { return e.Header.Drive }
func (FileDeleted) Type() EventType      { return EventFileDeleted }
func (e FileDeleted) Scope() DriveScope  { return e.Header.Drive }

// InboxItemReceived only says that something is waiting; the item itself has
// to be pulled.
type InboxItemReceived struct {
	Drive  DriveScope
	Sender string
}

func (InboxItemReceived) Type() EventType     { return EventInboxItemReceived }
func (e InboxItemReceived) Scope() DriveScope { return e.Drive }

// StatisticsChanged reports new comment or reaction totals on a file.
type StatisticsChanged struct {
	Drive  DriveScope
	FileID string
}

func (StatisticsChanged) Type() EventType     { return EventStatisticsChanged }
func (e StatisticsChanged) Scope() DriveScope { return e.Drive }

// ReactionChanged covers both reaction added and deleted.
type ReactionChanged struct {
	Deleted bool
	Drive   DriveScope
	FileID  string
	Emoji   string
	Sender  string
}

func (e ReactionChanged) Type() EventType {
	if e.Deleted {
		return EventReactionContentDeleted
	}
	return EventReactionContentAdded
}
func (e ReactionChanged) Scope() DriveScope { return e.Drive }

// ConnectionEvent covers follower and connection notifications; these carry
// no drive.
type ConnectionEvent struct {
	Kind   EventType
	Sender string
}

func (e ConnectionEvent) Type() EventType { return e.Kind }
func (ConnectionEvent) Scope() DriveScope { return DriveScope{} }

// Unknown keeps anything the decoder didn't recognize.
type Unknown struct {
	Name    EventType
	Payload json.RawMessage
}

func (e Unknown) Type() EventType { return e.Name }
func (Unknown) Scope() DriveScope { return DriveScope{} }

// TypeFilter selects events by type.  An empty filter passes everything.
type TypeFilter []EventType

func (f TypeFilter) Allows(t EventType) bool {
	if len(f) == 0 {
		return true
	}
	for _, ft := range f {
		if ft == t {
			return true
		}
	}
	return false
}
