package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant roles.
const (
	RoleOwner    = "owner"
	RoleAttendee = "attendee"
)

// Connection statuses.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnReconnecting = "reconnecting"
	ConnDisconnected = "disconnected"
)

// Membership statuses.
const (
	MemberWaiting = "waiting"
	MemberJoined  = "joined"
	MemberLeft    = "left"
)

// MediaState tracks which local media a participant currently sends.
type MediaState struct {
	CameraOn      bool `json:"camera_on"`
	MicrophoneOn  bool `json:"microphone_on"`
	ScreenSharing bool `json:"screen_sharing"`
}

// PermissionSet is the session settings resolved for a single participant.
// The owner may override an individual attendee's permissions at runtime.
type PermissionSet struct {
	Camera      bool `json:"camera"`
	Microphone  bool `json:"microphone"`
	ScreenShare bool `json:"screen_share"`
	Chat        bool `json:"chat"`
	HandRaising bool `json:"hand_raising"`
}

// ResolvePermissions derives a participant's permission set from the session
// settings and role. Owners are never restricted by the student flags.
func ResolvePermissions(settings SessionSettings, role string) PermissionSet {
	if role == RoleOwner {
		return PermissionSet{Camera: true, Microphone: true, ScreenShare: true, Chat: true, HandRaising: true}
	}
	return PermissionSet{
		Camera:      settings.AllowStudentCamera,
		Microphone:  settings.AllowStudentMicrophone,
		ScreenShare: settings.AllowStudentScreenShare,
		Chat:        settings.AllowStudentChat,
		HandRaising: settings.EnableHandRaising,
	}
}

// Participant is one connected or waiting entity in a session. The ID is the
// stable identity id, so a rejoin replaces the previous entry.
type Participant struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Role        string        `json:"role"`
	Connection  string        `json:"connection"`
	Membership  string        `json:"membership"`
	Media       MediaState    `json:"media"`
	Permissions PermissionSet `json:"permissions"`
	HandRaised  bool          `json:"hand_raised"`
	JoinedAt    time.Time     `json:"joined_at"`
	LeftAt      *time.Time    `json:"left_at,omitempty"`
}
